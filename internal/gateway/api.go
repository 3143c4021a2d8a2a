package gateway

import (
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/coder/websocket"

	"github.com/stellarlinkco/kiroku/internal/bus"
	"github.com/stellarlinkco/kiroku/internal/memory"
)

//go:embed static
var staticFiles embed.FS

const webChannelName = "web"

type wsMessage struct {
	Type      string `json:"type"`
	Character string `json:"character,omitempty"`
	Content   string `json:"content,omitempty"`
}

type wsClient struct {
	conn *websocket.Conn
	id   string
}

func (g *Gateway) routes() http.Handler {
	mux := http.NewServeMux()

	staticFS, err := fs.Sub(staticFiles, "static")
	if err == nil {
		mux.Handle("/", http.FileServer(http.FS(staticFS)))
	}
	mux.HandleFunc("/ws", g.handleWS)

	mux.HandleFunc("GET /api/status", g.handleStatus)
	mux.HandleFunc("GET /api/history", g.handleHistory)
	mux.HandleFunc("POST /api/search", g.handleSearch)
	mux.HandleFunc("DELETE /api/messages/{id}", g.handleDeleteMessage)
	mux.HandleFunc("PUT /api/messages/{id}", g.handleEditMessage)
	mux.HandleFunc("GET /api/memory", g.handleMemory)
	mux.HandleFunc("POST /api/memory/snapshot", g.handleSnapshot)
	mux.HandleFunc("POST /api/maintenance", g.handleMaintenance)
	mux.HandleFunc("GET /api/prompts", g.handleGetPrompts)
	mux.HandleFunc("POST /api/prompts", g.handleSavePrompt)
	mux.HandleFunc("GET /api/quick_phrases", g.handleGetQuickPhrases)
	mux.HandleFunc("POST /api/quick_phrases", g.handleSaveQuickPhrases)

	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[api] encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, format string, args ...any) {
	writeJSON(w, status, map[string]string{"error": fmt.Sprintf(format, args...)})
}

// characterParam validates the character against the registry. An empty id
// falls back the same way the chat path does.
func (g *Gateway) characterParam(r *http.Request) (string, bool) {
	id := r.URL.Query().Get("character")
	if id == "" {
		var body struct {
			Character string `json:"character"`
		}
		// Query param wins; the body is only consulted when it is absent.
		_ = json.NewDecoder(r.Body).Decode(&body)
		id = body.Character
	}
	resolved := g.resolveCharacter(id)
	return resolved, resolved != ""
}

func (g *Gateway) handleStatus(w http.ResponseWriter, r *http.Request) {
	type charInfo struct {
		Name  string `json:"name"`
		Group bool   `json:"group"`
	}
	chars := make(map[string]charInfo, len(g.cfg.Characters))
	for id, c := range g.cfg.Characters {
		chars[id] = charInfo{Name: c.Name, Group: c.IsGroup()}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"characters":    chars,
		"maintenanceAt": g.cfg.Consolidation.MaintenanceAt,
		"weeklyWeekday": g.cfg.Consolidation.WeeklyWeekday,
	})
}

func (g *Gateway) handleHistory(w http.ResponseWriter, r *http.Request) {
	character, ok := g.characterParam(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "unknown character")
		return
	}

	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	if limit <= 0 {
		limit = 50
	}
	page, _ := strconv.Atoi(q.Get("page"))
	if page <= 0 {
		page = 1
	}
	targetID, _ := strconv.ParseInt(q.Get("target_id"), 10, 64)

	msgs, total, page, err := g.chatLog.History(character, limit, page, targetID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "query history: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"messages": msgs,
		"total":    total,
		"page":     page,
		"limit":    limit,
	})
}

func (g *Gateway) handleSearch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Character string `json:"character"`
		Keyword   string `json:"keyword"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "parse request: %v", err)
		return
	}
	if strings.TrimSpace(req.Keyword) == "" {
		writeError(w, http.StatusBadRequest, "keyword is required")
		return
	}
	character := g.resolveCharacter(req.Character)
	if character == "" {
		writeError(w, http.StatusBadRequest, "unknown character")
		return
	}

	msgs, err := g.chatLog.Search(character, req.Keyword)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "search: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

func (g *Gateway) handleDeleteMessage(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid message id")
		return
	}
	if err := g.chatLog.Delete(id); err != nil {
		writeError(w, http.StatusInternalServerError, "delete message: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (g *Gateway) handleEditMessage(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid message id")
		return
	}
	var req struct {
		Content string `json:"content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "parse request: %v", err)
		return
	}
	if req.Content == "" {
		writeError(w, http.StatusBadRequest, "content is required")
		return
	}
	if err := g.chatLog.Edit(id, req.Content); err != nil {
		writeError(w, http.StatusInternalServerError, "edit message: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

func (g *Gateway) handleMemory(w http.ResponseWriter, r *http.Request) {
	character, ok := g.characterParam(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "unknown character")
		return
	}

	short, err := g.tiers.LoadShort(character)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "load short tier: %v", err)
		return
	}
	medium, err := g.tiers.LoadMedium(character)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "load medium tier: %v", err)
		return
	}
	long, err := g.tiers.LoadLong(character)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "load long tier: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"short":  short,
		"medium": medium,
		"long":   long,
	})
}

// handleSnapshot runs an immediate extraction for today, under the same
// advisory lock scheduled maintenance holds for the entity.
func (g *Gateway) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	character, ok := g.characterParam(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "unknown character")
		return
	}

	day := g.now().Format("2006-01-02")
	var count int
	var events []memory.Event
	err := g.sched.WithEntityLock(character, func() error {
		var err error
		if c := g.cfg.Characters[character]; c.IsGroup() {
			// Extraction advances the group watermark, so fan-out must
			// happen in the same step or the events never reach a member.
			count, err = g.cons.ConsolidateGroup(character, c.Members, day)
		} else {
			count, events, err = g.cons.Extract(character, day)
		}
		return err
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "snapshot: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"day":    day,
		"count":  count,
		"events": events,
	})
}

func (g *Gateway) handleMaintenance(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Date string `json:"date"`
	}
	// An empty body means "run for yesterday".
	_ = json.NewDecoder(r.Body).Decode(&req)

	report := g.sched.RunMaintenance(req.Date)
	writeJSON(w, http.StatusOK, report)
}

// promptFiles maps API keys to persona files inside the character directory.
var promptFiles = map[string]string{
	"persona":      "persona.md",
	"user":         "user.md",
	"format":       "format.md",
	"relationship": "relationship.json",
	"schedule":     "schedule.json",
}

func (g *Gateway) handleGetPrompts(w http.ResponseWriter, r *http.Request) {
	character, ok := g.characterParam(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "unknown character")
		return
	}

	out := make(map[string]string, len(promptFiles)+3)
	dir := g.cfg.CharacterDir(character)
	for key, file := range promptFiles {
		if data, err := os.ReadFile(filepath.Join(dir, file)); err == nil {
			out[key] = string(data)
		} else {
			out[key] = ""
		}
	}

	for key, load := range map[string]func() (any, error){
		"short":  func() (any, error) { return g.tiers.LoadShort(character) },
		"medium": func() (any, error) { return g.tiers.LoadMedium(character) },
		"long":   func() (any, error) { return g.tiers.LoadLong(character) },
	} {
		tier, err := load()
		if err != nil {
			writeError(w, http.StatusInternalServerError, "load %s tier: %v", key, err)
			return
		}
		data, err := json.MarshalIndent(tier, "", "  ")
		if err != nil {
			writeError(w, http.StatusInternalServerError, "encode %s tier: %v", key, err)
			return
		}
		out[key] = string(data)
	}

	writeJSON(w, http.StatusOK, out)
}

func (g *Gateway) handleSavePrompt(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Character string `json:"character"`
		Key       string `json:"key"`
		Content   string `json:"content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "parse request: %v", err)
		return
	}
	character := g.resolveCharacter(req.Character)
	if character == "" {
		writeError(w, http.StatusBadRequest, "unknown character")
		return
	}

	switch req.Key {
	case "short":
		var tier memory.ShortTier
		if err := json.Unmarshal([]byte(req.Content), &tier); err != nil {
			writeError(w, http.StatusBadRequest, "parse short tier: %v", err)
			return
		}
		// A hand-edited event list invalidates the stored watermark, so each
		// submitted day goes through recalibration instead of a raw save.
		err := g.sched.WithEntityLock(character, func() error {
			for day, rec := range tier {
				if _, err := g.cons.Recalibrate(character, day, rec.Events); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			writeError(w, http.StatusInternalServerError, "recalibrate: %v", err)
			return
		}
	case "medium":
		var tier memory.MediumTier
		if err := json.Unmarshal([]byte(req.Content), &tier); err != nil {
			writeError(w, http.StatusBadRequest, "parse medium tier: %v", err)
			return
		}
		if err := g.tiers.SaveMedium(character, tier); err != nil {
			writeError(w, http.StatusInternalServerError, "save medium tier: %v", err)
			return
		}
	case "long":
		var tier memory.LongTier
		if err := json.Unmarshal([]byte(req.Content), &tier); err != nil {
			writeError(w, http.StatusBadRequest, "parse long tier: %v", err)
			return
		}
		if err := g.tiers.SaveLong(character, tier); err != nil {
			writeError(w, http.StatusInternalServerError, "save long tier: %v", err)
			return
		}
	default:
		file, ok := promptFiles[req.Key]
		if !ok {
			writeError(w, http.StatusBadRequest, "unknown prompt key %q", req.Key)
			return
		}
		dir := g.cfg.CharacterDir(character)
		if err := os.MkdirAll(dir, 0755); err != nil {
			writeError(w, http.StatusInternalServerError, "create character dir: %v", err)
			return
		}
		if err := os.WriteFile(filepath.Join(dir, file), []byte(req.Content), 0644); err != nil {
			writeError(w, http.StatusInternalServerError, "save %s: %v", req.Key, err)
			return
		}
	}

	// Persona and memory edits take effect on the next runtime start.
	g.runtimeMu.Lock()
	if rt, ok := g.runtimes[character]; ok {
		rt.Close()
		delete(g.runtimes, character)
	}
	g.runtimeMu.Unlock()

	writeJSON(w, http.StatusOK, map[string]string{"status": "saved"})
}

const quickPhrasesFile = "quick_phrases.json"

// handleGetQuickPhrases returns the character's saved quick-reply phrases.
// A missing or unreadable file reads as an empty list.
func (g *Gateway) handleGetQuickPhrases(w http.ResponseWriter, r *http.Request) {
	character, ok := g.characterParam(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "unknown character")
		return
	}

	phrases := []string{}
	if data, err := os.ReadFile(filepath.Join(g.cfg.CharacterDir(character), quickPhrasesFile)); err == nil {
		if err := json.Unmarshal(data, &phrases); err != nil {
			phrases = []string{}
		}
	}
	writeJSON(w, http.StatusOK, phrases)
}

func (g *Gateway) handleSaveQuickPhrases(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Character string   `json:"character"`
		Phrases   []string `json:"phrases"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "parse request: %v", err)
		return
	}
	character := g.resolveCharacter(req.Character)
	if character == "" {
		writeError(w, http.StatusBadRequest, "unknown character")
		return
	}
	if req.Phrases == nil {
		req.Phrases = []string{}
	}

	dir := g.cfg.CharacterDir(character)
	if err := os.MkdirAll(dir, 0755); err != nil {
		writeError(w, http.StatusInternalServerError, "create character dir: %v", err)
		return
	}
	data, err := json.MarshalIndent(req.Phrases, "", "  ")
	if err != nil {
		writeError(w, http.StatusInternalServerError, "encode phrases: %v", err)
		return
	}
	if err := os.WriteFile(filepath.Join(dir, quickPhrasesFile), data, 0644); err != nil {
		writeError(w, http.StatusInternalServerError, "save quick phrases: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "saved"})
}

func (g *Gateway) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		log.Printf("[web] websocket accept error: %v", err)
		return
	}

	clientID := fmt.Sprintf("web-%d", time.Now().UnixNano())
	client := &wsClient{conn: conn, id: clientID}
	g.wsClients.Store(clientID, client)
	log.Printf("[web] client connected: %s", clientID)

	defer func() {
		g.wsClients.Delete(clientID)
		conn.CloseNow()
		log.Printf("[web] client disconnected: %s", clientID)
	}()

	for {
		_, data, err := conn.Read(r.Context())
		if err != nil {
			return
		}

		var msg wsMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if msg.Type != "message" || msg.Content == "" {
			continue
		}

		g.bus.Inbound <- bus.InboundMessage{
			Channel:   webChannelName,
			SenderID:  clientID,
			ChatID:    clientID,
			Character: msg.Character,
			Content:   msg.Content,
			Timestamp: time.Now(),
		}
	}
}

func (g *Gateway) sendToWebClient(msg bus.OutboundMessage) {
	data, err := json.Marshal(wsMessage{
		Type:      "message",
		Character: msg.Character,
		Content:   msg.Content,
	})
	if err != nil {
		return
	}

	write := func(c *wsClient) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := c.conn.Write(ctx, websocket.MessageText, data); err != nil {
			log.Printf("[web] write to %s: %v", c.id, err)
		}
	}

	if client, ok := g.wsClients.Load(msg.ChatID); ok {
		write(client.(*wsClient))
		return
	}
	g.wsClients.Range(func(_, value any) bool {
		write(value.(*wsClient))
		return true
	})
}
