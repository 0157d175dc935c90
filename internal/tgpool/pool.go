// Package tgpool is the Telegram Client Pool: one warmed MTProto client per
// telegram account, created lazily, reused across broadcast jobs, stopped
// together on shutdown.
package tgpool

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"telegram-broadcast/internal/infra/logger"
	"telegram-broadcast/internal/infra/telegram/peersmgr"
	"telegram-broadcast/internal/store"

	"github.com/go-faster/errors"
	"github.com/gotd/td/telegram"
	"github.com/gotd/td/telegram/message"
	"github.com/gotd/td/tg"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const connectTimeout = 30 * time.Second

// Options carries the pool-level knobs.
type Options struct {
	APIID         int
	APIHash       string
	PeersCacheDir string

	GroupsCacheTTL        time.Duration
	GroupsMinRefresh      time.Duration
	GroupsFailureCooldown time.Duration
}

// Pool maintains the per-account connections and the cached group-dialog
// listings. The map is guarded by an exclusive section; first-time creation
// happens outside the lock with waiters parked on the conn's ready channel.
type Pool struct {
	opts     Options
	accounts AccountStore

	mu     sync.Mutex
	conns  map[string]*conn
	warmed map[string]struct{}

	groupsMu    sync.Mutex
	groupsCache map[string]*groupsCacheEntry
	groupsSF    singleflight.Group
}

type conn struct {
	accountID string
	client    *telegram.Client
	api       *tg.Client
	sender    *message.Sender
	peers     *peersmgr.Service

	ready  chan struct{} // closed once the client is connected and authorized
	dead   chan struct{} // closed when client.Run returns
	runErr error         // valid after dead is closed
	cancel context.CancelFunc
}

type groupsCacheEntry struct {
	groups      []peersmgr.GroupDialog
	fetchedAt   time.Time
	lastAttempt time.Time
	lastFailure time.Time
}

// New builds an empty pool; connections are dialed on first use.
func New(accounts AccountStore, opts Options) *Pool {
	return &Pool{
		opts:        opts,
		accounts:    accounts,
		conns:       make(map[string]*conn),
		warmed:      make(map[string]struct{}),
		groupsCache: make(map[string]*groupsCacheEntry),
	}
}

// Send delivers text to the target group using the given account's client.
// The raw provider error is returned untouched for the retry classifier.
func (p *Pool) Send(ctx context.Context, account store.TelegramAccount, group store.TargetGroup, text string) error {
	c, err := p.acquire(ctx, account.AccountID)
	if err != nil {
		return err
	}
	if err := p.warm(ctx, c); err != nil {
		return err
	}

	peer, err := p.inputPeer(ctx, c, group)
	if err != nil {
		return err
	}

	_, err = c.sender.To(peer).Text(ctx, text)
	return err
}

// ListGroupDialogs returns the account's groups and supergroups with
// normalized ids. Results are cached per account; concurrent callers share
// one in-flight fetch, and failures impose a cooldown before the next try.
func (p *Pool) ListGroupDialogs(ctx context.Context, accountID string) ([]peersmgr.GroupDialog, error) {
	now := time.Now()

	p.groupsMu.Lock()
	entry, ok := p.groupsCache[accountID]
	if ok {
		if now.Sub(entry.fetchedAt) < p.opts.GroupsCacheTTL && entry.groups != nil {
			groups := entry.groups
			p.groupsMu.Unlock()
			return groups, nil
		}
		if now.Sub(entry.lastAttempt) < p.opts.GroupsMinRefresh && entry.groups != nil {
			groups := entry.groups
			p.groupsMu.Unlock()
			return groups, nil
		}
		if now.Sub(entry.lastFailure) < p.opts.GroupsFailureCooldown {
			groups := entry.groups
			p.groupsMu.Unlock()
			if groups != nil {
				return groups, nil
			}
			return nil, errors.New("group listing is cooling down after a failure")
		}
	}
	p.groupsMu.Unlock()

	result, err, _ := p.groupsSF.Do(accountID, func() (interface{}, error) {
		return p.refreshGroups(ctx, accountID)
	})
	if err != nil {
		return nil, err
	}
	return result.([]peersmgr.GroupDialog), nil
}

func (p *Pool) refreshGroups(ctx context.Context, accountID string) ([]peersmgr.GroupDialog, error) {
	p.touchGroupsAttempt(accountID)

	c, err := p.acquire(ctx, accountID)
	if err != nil {
		p.recordGroupsFailure(accountID)
		return nil, err
	}
	groups, err := c.peers.RefreshDialogs(ctx, nil)
	if err != nil {
		p.recordGroupsFailure(accountID)
		return nil, errors.Wrap(err, "refresh group dialogs")
	}

	p.groupsMu.Lock()
	p.groupsCache[accountID] = &groupsCacheEntry{
		groups:      groups,
		fetchedAt:   time.Now(),
		lastAttempt: time.Now(),
	}
	p.groupsMu.Unlock()

	// A full dialog fetch doubles as peer-cache warmup.
	p.mu.Lock()
	p.warmed[accountID] = struct{}{}
	p.mu.Unlock()

	return groups, nil
}

func (p *Pool) touchGroupsAttempt(accountID string) {
	p.groupsMu.Lock()
	defer p.groupsMu.Unlock()
	entry, ok := p.groupsCache[accountID]
	if !ok {
		entry = &groupsCacheEntry{}
		p.groupsCache[accountID] = entry
	}
	entry.lastAttempt = time.Now()
}

func (p *Pool) recordGroupsFailure(accountID string) {
	p.groupsMu.Lock()
	defer p.groupsMu.Unlock()
	if entry, ok := p.groupsCache[accountID]; ok {
		entry.lastFailure = time.Now()
	}
}

// acquire returns a live connection for accountID, creating and connecting
// one if needed. Concurrent callers for the same account wait on the same
// ready channel instead of dialing twice.
func (p *Pool) acquire(ctx context.Context, accountID string) (*conn, error) {
	p.mu.Lock()
	c, exists := p.conns[accountID]
	if exists {
		select {
		case <-c.dead:
			// Previous client terminated; replace it.
			delete(p.conns, accountID)
			exists = false
		default:
		}
	}
	if !exists {
		c = p.newConn(accountID)
		p.conns[accountID] = c
	}
	p.mu.Unlock()

	select {
	case <-c.ready:
		return c, nil
	case <-c.dead:
		if c.runErr == nil {
			return nil, errors.Errorf("telegram client for account %s: stopped", accountID)
		}
		return nil, errors.Wrapf(c.runErr, "telegram client for account %s", accountID)
	case <-time.After(connectTimeout):
		return nil, errors.Errorf("telegram client for account %s: connect timeout", accountID)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *Pool) newConn(accountID string) *conn {
	client := telegram.NewClient(p.opts.APIID, p.opts.APIHash, telegram.Options{
		SessionStorage: &sessionStorage{accountID: accountID, accounts: p.accounts},
		Device: telegram.DeviceConfig{
			DeviceModel:   "MacBookPro18,1",
			SystemVersion: "macOS v15.6.1 build 24G90",
			AppVersion:    "v5.5.0",
		},
	})

	runCtx, cancel := context.WithCancel(context.Background())
	c := &conn{
		accountID: accountID,
		client:    client,
		ready:     make(chan struct{}),
		dead:      make(chan struct{}),
		cancel:    cancel,
	}

	go func() {
		err := client.Run(runCtx, func(cctx context.Context) error {
			status, statusErr := client.Auth().Status(cctx)
			if statusErr != nil {
				return errors.Wrap(statusErr, "auth status")
			}
			if !status.Authorized {
				return errors.New("account session is not authorized")
			}

			c.api = client.API()
			c.sender = message.NewSender(c.api)

			peersPath := filepath.Join(p.opts.PeersCacheDir, accountID+".bbolt")
			peersSvc, peersErr := peersmgr.New(c.api, peersPath)
			if peersErr != nil {
				return peersErr
			}
			c.peers = peersSvc
			defer func() { _ = peersSvc.Close() }()

			close(c.ready)
			logger.Info("telegram client connected", zap.String("account_id", accountID))

			<-cctx.Done()
			return cctx.Err()
		})
		c.runErr = err
		close(c.dead)
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Warn("telegram client stopped",
				zap.String("account_id", accountID), zap.Error(err))
		}
	}()

	return c
}

// warm populates the client's peer resolution on first use of an account:
// load the persisted peer cache, and fetch the full dialog list if the cache
// had nothing for this account yet.
func (p *Pool) warm(ctx context.Context, c *conn) error {
	p.mu.Lock()
	_, done := p.warmed[c.accountID]
	p.mu.Unlock()
	if done {
		return nil
	}

	if err := c.peers.LoadFromStorage(ctx); err != nil {
		return errors.Wrap(err, "load peer cache")
	}
	if len(c.peers.Groups()) == 0 {
		if _, err := c.peers.RefreshDialogs(ctx, nil); err != nil {
			return errors.Wrap(err, "warm dialog cache")
		}
	}

	p.mu.Lock()
	p.warmed[c.accountID] = struct{}{}
	p.mu.Unlock()
	return nil
}

// inputPeer maps a normalized group id to a tg input peer. Supergroups carry
// the access hash on the target row; a zero hash falls back to the warmed
// peer cache.
func (p *Pool) inputPeer(ctx context.Context, c *conn, group store.TargetGroup) (tg.InputPeerClass, error) {
	kind, numericID, err := SplitGroupID(group.GroupID)
	if err != nil {
		return nil, err
	}
	switch kind {
	case store.TargetGroupKindSupergroup:
		if group.AccessHash != 0 {
			return &tg.InputPeerChannel{ChannelID: numericID, AccessHash: group.AccessHash}, nil
		}
		return c.peers.ResolveChannel(ctx, numericID)
	default:
		return &tg.InputPeerChat{ChatID: numericID}, nil
	}
}

// SplitGroupID parses a normalized chat id: "-100<digits>" is a supergroup
// (numeric id without the marker), any other "-<digits>" is a plain group.
func SplitGroupID(groupID string) (store.TargetGroupKind, int64, error) {
	if raw, ok := strings.CutPrefix(groupID, "-100"); ok && raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return "", 0, fmt.Errorf("invalid supergroup id %q", groupID)
		}
		return store.TargetGroupKindSupergroup, id, nil
	}
	if raw, ok := strings.CutPrefix(groupID, "-"); ok && raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return "", 0, fmt.Errorf("invalid group id %q", groupID)
		}
		return store.TargetGroupKindGroup, id, nil
	}
	return "", 0, fmt.Errorf("unsupported chat id %q", groupID)
}

// NormalizeGroupID converts a raw dialog entity id to the canonical stored
// form: supergroups get the -100 prefix, plain groups a bare minus.
func NormalizeGroupID(kind store.TargetGroupKind, id int64) string {
	if id < 0 {
		id = -id
	}
	if kind == store.TargetGroupKindSupergroup {
		return fmt.Sprintf("-100%d", id)
	}
	return fmt.Sprintf("-%d", id)
}

// Close stops every client and waits for their run loops to exit.
func (p *Pool) Close() {
	p.mu.Lock()
	conns := make([]*conn, 0, len(p.conns))
	for _, c := range p.conns {
		conns = append(conns, c)
	}
	p.conns = make(map[string]*conn)
	p.mu.Unlock()

	for _, c := range conns {
		c.cancel()
	}
	for _, c := range conns {
		<-c.dead
	}
}
