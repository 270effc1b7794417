// Package client ties the gateway session, the entity cache, the event
// processor and the voice manager into one session context.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"personal/discordie_go/src/audio"
	"personal/discordie_go/src/audio/opus"
	"personal/discordie_go/src/cache"
	"personal/discordie_go/src/dispatch"
	"personal/discordie_go/src/gateway"
	"personal/discordie_go/src/models"
	"personal/discordie_go/src/opcodes"
	"personal/discordie_go/src/processor"
	"personal/discordie_go/src/reconnect"
	"personal/discordie_go/src/transport"
	"personal/discordie_go/src/voice"

	"github.com/oklog/ulid/v2"
	"github.com/samber/lo"
	"github.com/samber/mo"
	"resty.dev/v3"
)

var (
	ErrFetchTimeout     = errors.New("client: member fetch timed out")
	ErrDisconnected     = errors.New("client: gateway disconnected")
	ErrGuildUnavailable = errors.New("client: guild left the cache before its members loaded")
)

const DefaultFetchTimeout = 60 * time.Second

type Options struct {
	Token string
	// GatewayURL is looked up through the API on Connect when empty.
	GatewayURL string
	APIBase    string
	HTTPClient *http.Client

	Dialer      transport.Dialer
	VoiceDialer transport.Dialer
	MediaDialer transport.MediaDialer

	Policy               reconnect.Policy
	DisableAutoReconnect bool
	ResumeWindow         time.Duration

	MessageLimit int
	EditsLimit   int
	RemovalGrace time.Duration
	FetchTimeout time.Duration

	Audio audio.Options
	// Encoder defaults to the Opus encoder.
	Encoder audio.EncoderFactory

	Logger *slog.Logger
}

// Client is one session with the service. It owns everything it uses, so
// several clients can run side by side.
type Client struct {
	token        string
	rest         *resty.Client
	restClose    sync.Once
	fetchTimeout time.Duration
	logger       *slog.Logger

	bus       *dispatch.Dispatcher
	cache     *cache.Cache
	processor *processor.Processor
	session   *gateway.Session
	voice     *voice.Manager

	mu      sync.Mutex
	fetches map[uint64]context.CancelCauseFunc
	nextID  uint64
	unsub   func()
}

func New(opts Options) *Client {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	fetchTimeout := opts.FetchTimeout
	if fetchTimeout <= 0 {
		fetchTimeout = DefaultFetchTimeout
	}
	encoder := opts.Encoder
	if encoder == nil {
		encoder = opus.Factory
	}

	c := &Client{
		token:        opts.Token,
		rest:         transport.NewREST(opts.HTTPClient, opts.APIBase, opts.Token),
		fetchTimeout: fetchTimeout,
		logger:       logger.With("component", "client"),
		bus:          dispatch.New(logger),
		cache:        cache.New(logger),
		fetches:      make(map[uint64]context.CancelCauseFunc),
	}

	if opts.MessageLimit > 0 {
		c.cache.Messages().SetMessageLimit(opts.MessageLimit)
	}
	if opts.EditsLimit > 0 {
		c.cache.Messages().SetEditsLimit(opts.EditsLimit)
	}

	procOpts := []processor.Option{processor.WithLogger(logger)}
	if opts.RemovalGrace > 0 {
		procOpts = append(procOpts, processor.WithRemovalGrace(opts.RemovalGrace))
	}
	c.processor = processor.New(c.cache, c.bus, procOpts...)

	c.session = gateway.New(gateway.Config{
		URL:                  opts.GatewayURL,
		Dialer:               opts.Dialer,
		Handler:              c.processor,
		Bus:                  c.bus,
		Policy:               opts.Policy,
		DisableAutoReconnect: opts.DisableAutoReconnect,
		ResumeWindow:         opts.ResumeWindow,
		Logger:               logger,
	})

	c.voice = voice.NewManager(voice.Config{
		Gateway:     c.session,
		Users:       c.cache,
		Bus:         c.bus,
		Dialer:      opts.VoiceDialer,
		MediaDialer: opts.MediaDialer,
		Encoder:     encoder,
		Audio:       opts.Audio,
		Logger:      logger,
	})

	c.unsub = dispatch.Subscribe(c.bus, gateway.KindDisconnected, func(gateway.Disconnected) {
		c.failFetches(ErrDisconnected)
	})
	return c
}

func (c *Client) Bus() *dispatch.Dispatcher {
	return c.bus
}

func (c *Client) Cache() *cache.Cache {
	return c.cache
}

func (c *Client) Session() *gateway.Session {
	return c.session
}

func (c *Client) Voice() *voice.Manager {
	return c.voice
}

func (c *Client) AutoReconnect() *gateway.AutoReconnect {
	return c.session.AutoReconnect()
}

// Connect starts the gateway session. The gateway address is looked up
// first when none was configured.
func (c *Client) Connect(ctx context.Context) error {
	if c.token == "" {
		return gateway.ErrNoToken
	}
	if c.session.URL() == "" {
		url, err := transport.ResolveGatewayURL(ctx, c.rest)
		if err != nil {
			return fmt.Errorf("could not resolve gateway: %w", err)
		}
		c.session.SetURL(url)
	}
	return c.session.Connect(ctx, gateway.Credentials{Token: c.token})
}

// Disconnect ends the session for good and tears down every voice
// connection. Pending member fetches fail.
func (c *Client) Disconnect() error {
	err := c.session.Disconnect()
	c.voice.DisposeAll()
	return err
}

// Close disconnects and releases the event bus.
func (c *Client) Close() error {
	err := c.Disconnect()
	c.unsub()
	c.voice.Close()
	c.processor.Flush()
	c.bus.Close()
	c.restClose.Do(func() {
		if closeErr := c.rest.Close(); err == nil {
			err = closeErr
		}
	})
	return err
}

func (c *Client) JoinVoice(ctx context.Context, guildID, channelID models.Snowflake, selfMute, selfDeaf bool) (*voice.Connection, error) {
	return c.voice.Join(ctx, guildID, channelID, selfMute, selfDeaf)
}

type presenceData struct {
	Since  mo.Option[int64]       `json:"since"`
	Game   mo.Option[models.Game] `json:"game"`
	Status models.Status          `json:"status"`
	AFK    bool                   `json:"afk"`
}

// SetStatus updates the presence of the local user.
func (c *Client) SetStatus(status models.Status, game mo.Option[models.Game]) error {
	data := presenceData{Status: status, Game: game}
	if status == models.StatusIdle {
		data.Since = mo.Some(time.Now().UnixMilli())
		data.AFK = true
	}
	if err := c.session.Send(opcodes.PresenceUpdate, data); err != nil {
		return fmt.Errorf("could not update presence: %w", err)
	}
	return nil
}

type requestMembersData struct {
	GuildID models.Snowflake `json:"guild_id"`
	Query   string           `json:"query"`
	Limit   int              `json:"limit"`
	Nonce   string           `json:"nonce"`
}

// FetchMembers requests the full member list of the given guilds, or of
// every cached guild, and waits until the cache holds all of them. It fails
// with ErrGuildUnavailable when a guild is removed or the cache is reset
// before its list completes.
func (c *Client) FetchMembers(ctx context.Context, guildIDs ...models.Snowflake) error {
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	id := c.trackFetch(cancel)
	defer c.untrackFetch(id)

	if len(guildIDs) == 0 {
		guildIDs = lo.Map(c.cache.Guilds(), func(g *models.Guild, _ int) models.Snowflake { return g.ID })
	}
	pending := lo.Filter(guildIDs, func(id models.Snowflake, _ int) bool { return !c.cache.MembersLoaded(id) })
	if len(pending) == 0 {
		return nil
	}

	ctx, cancelTimeout := context.WithTimeoutCause(ctx, c.fetchTimeout, ErrFetchTimeout)
	defer cancelTimeout()

	waits := make([]<-chan struct{}, 0, len(pending))
	for _, guildID := range pending {
		waits = append(waits, c.cache.AwaitMembers(guildID))
		err := c.session.Send(opcodes.RequestGuildMembers, requestMembersData{
			GuildID: guildID,
			Nonce:   ulid.Make().String(),
		})
		if err != nil {
			return fmt.Errorf("could not request members of %s: %w", guildID, err)
		}
	}
	c.logger.Debug("FetchMembers: requested members", "guilds", len(pending))

	for i, wait := range waits {
		select {
		case <-wait:
		case <-ctx.Done():
			return context.Cause(ctx)
		}
		// the wait also ends when the guild leaves the cache
		if !c.cache.MembersLoaded(pending[i]) {
			return fmt.Errorf("%w: %s", ErrGuildUnavailable, pending[i])
		}
	}
	return nil
}

func (c *Client) trackFetch(cancel context.CancelCauseFunc) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	c.fetches[c.nextID] = cancel
	return c.nextID
}

func (c *Client) untrackFetch(id uint64) {
	c.mu.Lock()
	delete(c.fetches, id)
	c.mu.Unlock()
}

func (c *Client) failFetches(cause error) {
	c.mu.Lock()
	fetches := lo.Values(c.fetches)
	c.mu.Unlock()
	for _, cancel := range fetches {
		cancel(cause)
	}
}
