// Package gateway wires the chat surfaces, the agent runtime, the chat log,
// and the consolidation scheduler into one process.
package gateway

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"regexp"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/cexll/agentsdk-go/pkg/api"
	"github.com/cexll/agentsdk-go/pkg/model"

	"github.com/stellarlinkco/kiroku/internal/bus"
	"github.com/stellarlinkco/kiroku/internal/channel"
	"github.com/stellarlinkco/kiroku/internal/chatlog"
	"github.com/stellarlinkco/kiroku/internal/config"
	"github.com/stellarlinkco/kiroku/internal/cron"
	"github.com/stellarlinkco/kiroku/internal/memory"
	"github.com/stellarlinkco/kiroku/internal/prompt"
)

// Runtime interface for the agent runtime (allows mocking in tests)
type Runtime interface {
	Run(ctx context.Context, req api.Request) (*api.Response, error)
	Close()
}

type runtimeAdapter struct {
	rt *api.Runtime
}

func (r *runtimeAdapter) Run(ctx context.Context, req api.Request) (*api.Response, error) {
	return r.rt.Run(ctx, req)
}

func (r *runtimeAdapter) Close() {
	r.rt.Close()
}

// RuntimeFactory creates a Runtime for one character's system prompt.
type RuntimeFactory func(cfg *config.Config, sysPrompt string) (Runtime, error)

// DefaultRuntimeFactory creates the default agentsdk-go runtime.
func DefaultRuntimeFactory(cfg *config.Config, sysPrompt string) (Runtime, error) {
	var provider api.ModelFactory
	switch cfg.Provider.Type {
	case "openai":
		provider = &model.OpenAIProvider{
			APIKey:    cfg.Provider.APIKey,
			BaseURL:   cfg.Provider.BaseURL,
			ModelName: cfg.Agent.Model,
			MaxTokens: cfg.Agent.MaxTokens,
		}
	default: // "anthropic" or empty
		provider = &model.AnthropicProvider{
			APIKey:    cfg.Provider.APIKey,
			BaseURL:   cfg.Provider.BaseURL,
			ModelName: cfg.Agent.Model,
			MaxTokens: cfg.Agent.MaxTokens,
		}
	}

	rt, err := api.New(context.Background(), api.Options{
		ProjectRoot:   cfg.Agent.Workspace,
		ModelFactory:  provider,
		SystemPrompt:  sysPrompt,
		MaxIterations: cfg.Agent.MaxToolIterations,
	})
	if err != nil {
		return nil, fmt.Errorf("create runtime: %w", err)
	}
	return &runtimeAdapter{rt: rt}, nil
}

// Options for creating a Gateway
type Options struct {
	RuntimeFactory RuntimeFactory
	SignalChan     chan os.Signal // for testing signal handling
}

type Gateway struct {
	cfg     *config.Config
	chatLog *chatlog.Store
	tiers   *memory.TierStore
	cons    *memory.Consolidator
	sched   *cron.Service
	builder *prompt.Builder
	bus     *bus.MessageBus

	runtimeFactory RuntimeFactory
	runtimeMu      sync.Mutex
	runtimes       map[string]Runtime

	channels   []channel.Channel
	server     *http.Server
	signalChan chan os.Signal
	wsClients  sync.Map // chatID -> *wsClient

	now func() time.Time
}

func New(cfg *config.Config) (*Gateway, error) {
	return NewWithOptions(cfg, Options{})
}

func NewWithOptions(cfg *config.Config, opts Options) (*Gateway, error) {
	store, err := chatlog.NewStore(config.ChatLogPath())
	if err != nil {
		return nil, fmt.Errorf("open chat log: %w", err)
	}

	tiers := memory.NewTierStore(cfg.Agent.Workspace)
	summarizer := memory.NewSummarizer(cfg)
	cons := memory.NewConsolidator(store, tiers, summarizer, cfg.User.Name, cfg.Consolidation.ReplaceFirstRun())
	sched := cron.NewService(cfg, cons)

	factory := opts.RuntimeFactory
	if factory == nil {
		factory = DefaultRuntimeFactory
	}

	g := &Gateway{
		cfg:            cfg,
		chatLog:        store,
		tiers:          tiers,
		cons:           cons,
		sched:          sched,
		builder:        prompt.NewBuilder(cfg, tiers),
		bus:            bus.NewMessageBus(100),
		runtimeFactory: factory,
		runtimes:       make(map[string]Runtime),
		signalChan:     opts.SignalChan,
		now:            time.Now,
	}

	if cfg.Channels.Telegram.Enabled {
		tg, err := channel.NewTelegramChannel(cfg.Channels.Telegram, g.bus)
		if err != nil {
			return nil, fmt.Errorf("telegram channel: %w", err)
		}
		g.channels = append(g.channels, tg)
	}

	return g, nil
}

func (g *Gateway) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := g.sched.Start(runCtx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}

	for _, ch := range g.channels {
		if err := ch.Start(runCtx); err != nil {
			log.Printf("[gateway] start channel %s: %v", ch.Name(), err)
		}
	}

	g.server = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", g.cfg.Gateway.Host, g.cfg.Gateway.Port),
		Handler: g.routes(),
	}
	go func() {
		log.Printf("[gateway] listening on %s", g.server.Addr)
		if err := g.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("[gateway] server error: %v", err)
		}
	}()

	go g.consumeInbound(runCtx)
	go g.consumeOutbound(runCtx)

	sig := g.signalChan
	if sig == nil {
		sig = make(chan os.Signal, 1)
	}
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-runCtx.Done():
	case s := <-sig:
		log.Printf("[gateway] received signal %v, shutting down", s)
	}

	return g.shutdown()
}

func (g *Gateway) shutdown() error {
	for _, ch := range g.channels {
		_ = ch.Stop()
	}
	g.sched.Stop()

	if g.server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := g.server.Shutdown(shutdownCtx); err != nil {
			log.Printf("[gateway] http shutdown: %v", err)
		}
	}

	g.wsClients.Range(func(_, value any) bool {
		value.(*wsClient).conn.CloseNow()
		return true
	})

	g.runtimeMu.Lock()
	for _, rt := range g.runtimes {
		rt.Close()
	}
	g.runtimes = make(map[string]Runtime)
	g.runtimeMu.Unlock()

	if err := g.chatLog.Close(); err != nil {
		return fmt.Errorf("close chat log: %w", err)
	}
	log.Printf("[gateway] stopped")
	return nil
}

func (g *Gateway) consumeInbound(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-g.bus.Inbound:
			g.handleInbound(ctx, msg)
		}
	}
}

func (g *Gateway) consumeOutbound(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-g.bus.Outbound:
			delivered := false
			for _, ch := range g.channels {
				if ch.Name() == msg.Channel {
					if err := ch.Send(msg); err != nil {
						log.Printf("[gateway] send via %s: %v", msg.Channel, err)
					}
					delivered = true
					break
				}
			}
			if !delivered && msg.Channel == webChannelName {
				g.sendToWebClient(msg)
			}
		}
	}
}

func (g *Gateway) handleInbound(ctx context.Context, msg bus.InboundMessage) {
	characterID := g.resolveCharacter(msg.Character)
	if characterID == "" {
		log.Printf("[gateway] no character registered, dropping message from %s", msg.SenderID)
		return
	}

	reply, err := g.respond(ctx, characterID, msg)
	if err != nil {
		log.Printf("[gateway] %s: agent error: %v", characterID, err)
		return
	}

	now := g.now()
	userTS := now.Format(chatlog.TimestampLayout)
	replyTS := now.Add(time.Second).Format(chatlog.TimestampLayout)

	if _, err := g.chatLog.Append(characterID, "user", msg.Content, userTS); err != nil {
		log.Printf("[gateway] %s: log user turn: %v", characterID, err)
		return
	}
	if _, err := g.chatLog.Append(characterID, "assistant", reply, replyTS); err != nil {
		log.Printf("[gateway] %s: log assistant turn: %v", characterID, err)
		return
	}

	g.bus.Outbound <- bus.OutboundMessage{
		Channel:   msg.Channel,
		ChatID:    msg.ChatID,
		Character: characterID,
		Content:   reply,
	}
}

// timestampGate matches [HH:MM] and [MM-DD HH:MM] tags (one-digit hours
// included) so model replies never leak the injected clock markers.
var timestampGate = regexp.MustCompile(`\[(?:(?:\d{2}-\d{2}\s+)?\d{1,2}:\d{2})\]\s*`)

func (g *Gateway) respond(ctx context.Context, characterID string, msg bus.InboundMessage) (string, error) {
	rt, err := g.runtimeFor(characterID)
	if err != nil {
		return "", err
	}

	stamped := fmt.Sprintf("[%s] %s", g.now().Format("15:04"), msg.Content)
	resp, err := rt.Run(ctx, api.Request{
		Prompt:    stamped,
		SessionID: characterID + ":" + msg.SessionKey(),
	})
	if err != nil {
		return "", fmt.Errorf("agent run: %w", err)
	}
	if resp == nil || resp.Result == nil {
		return "", fmt.Errorf("agent returned no result")
	}

	cleaned := timestampGate.ReplaceAllString(resp.Result.Output, "")
	return strings.TrimSpace(cleaned), nil
}

func (g *Gateway) runtimeFor(characterID string) (Runtime, error) {
	g.runtimeMu.Lock()
	defer g.runtimeMu.Unlock()

	if rt, ok := g.runtimes[characterID]; ok {
		return rt, nil
	}

	sysPrompt := g.builder.Build(characterID)
	if history := g.historyBlock(characterID); history != "" {
		sysPrompt += "\n\n[Recent Conversation]\n" + history
	}

	rt, err := g.runtimeFactory(g.cfg, sysPrompt)
	if err != nil {
		return nil, fmt.Errorf("runtime for %s: %w", characterID, err)
	}
	g.runtimes[characterID] = rt
	return rt, nil
}

// historyBlock renders the last configured window of logged turns so a fresh
// runtime picks the conversation up where the log left off. Today's turns
// carry [HH:MM], older ones [MM-DD HH:MM].
func (g *Gateway) historyBlock(characterID string) string {
	window := g.cfg.Agent.HistoryWindow
	if window <= 0 {
		window = config.DefaultHistoryWindow
	}
	msgs, err := g.chatLog.Recent(characterID, window)
	if err != nil {
		log.Printf("[gateway] %s: load history window: %v", characterID, err)
		return ""
	}

	today := g.now().Format("2006-01-02")
	var sb strings.Builder
	for _, m := range msgs {
		ts, err := time.Parse(chatlog.TimestampLayout, m.Timestamp)
		var tag string
		switch {
		case err != nil:
			tag = ""
		case ts.Format("2006-01-02") == today:
			tag = "[" + ts.Format("15:04") + "] "
		default:
			tag = "[" + ts.Format("01-02 15:04") + "] "
		}
		speaker := "Me"
		if m.Role == "user" {
			speaker = g.cfg.User.Name
			if speaker == "" {
				speaker = "User"
			}
		}
		sb.WriteString(fmt.Sprintf("%s%s: %s\n", tag, speaker, m.Content))
	}
	return strings.TrimSpace(sb.String())
}

// resolveCharacter falls back to the first registered non-group character.
func (g *Gateway) resolveCharacter(requested string) string {
	if requested != "" {
		if _, ok := g.cfg.Characters[requested]; ok {
			return requested
		}
	}
	for _, id := range g.cfg.CharacterIDs() {
		if !g.cfg.Characters[id].IsGroup() {
			return id
		}
	}
	return ""
}
