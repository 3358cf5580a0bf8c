// Package preview resolves link previews for transcript messages: URL
// extraction, allow-list eligibility, a per-message result cache and a
// staleness guard that tolerates rapid message and identity changes.
package preview

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/agentchat/pkg/chatsession"
)

// DefaultFetchTimeout bounds a single metadata fetch.
const DefaultFetchTimeout = 15 * time.Second

// Resolver maintains one preview Entry per tracked message. For any message
// at most one fetch is in flight; a fetch's result is applied only if the
// message's currently tracked target URL still equals the URL the fetch was
// issued for, and only within the epoch it was started in. InvalidateAll
// bumps the epoch, so results for a replaced transcript are dropped.
type Resolver struct {
	metadataURL string
	allowed     []string
	timeout     time.Duration
	client      *http.Client
	onUpdate    func(Entry)
	logger      zerolog.Logger

	mu      sync.Mutex
	entries map[string]*trackedEntry
	epoch   uint64
}

var _ chatsession.PreviewTracker = (*Resolver)(nil)

type trackedEntry struct {
	target string
	entry  Entry
}

type Option func(*Resolver)

func WithTimeout(d time.Duration) Option {
	return func(r *Resolver) {
		if d > 0 {
			r.timeout = d
		}
	}
}

func WithHTTPClient(hc *http.Client) Option {
	return func(r *Resolver) {
		if hc != nil {
			r.client = hc
		}
	}
}

// WithOnUpdate registers the entry-update hook. It fires once per state
// change (pending, resolved, failed, none) without internal locks held.
func WithOnUpdate(fn func(Entry)) Option {
	return func(r *Resolver) {
		r.onUpdate = fn
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(r *Resolver) {
		r.logger = logger
	}
}

func NewResolver(metadataURL string, allowedDomains []string, opts ...Option) *Resolver {
	r := &Resolver{
		metadataURL: metadataURL,
		allowed:     append([]string(nil), allowedDomains...),
		timeout:     DefaultFetchTimeout,
		client:      &http.Client{},
		logger:      log.With().Str("component", "preview").Logger(),
		entries:     map[string]*trackedEntry{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Track inspects a message's text and advances its preview entry. A new
// eligible target URL relative to the message's previous target starts
// exactly one fetch and logically invalidates any prior in-flight fetch for
// the message. Tracking the same target again is a no-op, so each distinct
// eligible URL costs one network call per message lifetime.
func (r *Resolver) Track(messageSID, text string) {
	if r == nil || messageSID == "" {
		return
	}
	target := ""
	if u := FirstURL(text); u != "" && DomainAllowed(u, r.allowed) {
		target = u
	}

	r.mu.Lock()
	te := r.entries[messageSID]
	if te == nil {
		te = &trackedEntry{}
		r.entries[messageSID] = te
	} else if te.target == target {
		r.mu.Unlock()
		return
	}
	te.target = target
	if target == "" {
		te.entry = Entry{MessageSID: messageSID, State: StateNone}
		entry := te.entry
		r.mu.Unlock()
		r.emit(entry)
		return
	}
	te.entry = Entry{MessageSID: messageSID, SourceURL: target, State: StatePending}
	entry := te.entry
	epoch := r.epoch
	r.mu.Unlock()

	r.emit(entry)
	go r.fetch(messageSID, target, epoch)
}

// Entry returns the current preview entry for a message.
func (r *Resolver) Entry(messageSID string) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	te, ok := r.entries[messageSID]
	if !ok {
		return Entry{}, false
	}
	return te.entry, true
}

// InvalidateAll discards every entry and logically cancels all in-flight
// fetches. Called when the owning transcript is replaced wholesale
// (reset/load).
func (r *Resolver) InvalidateAll() {
	r.mu.Lock()
	r.epoch++
	r.entries = map[string]*trackedEntry{}
	r.mu.Unlock()
}

func (r *Resolver) fetch(messageSID, target string, epoch uint64) {
	entry := r.resolve(target)
	entry.MessageSID = messageSID

	r.mu.Lock()
	te := r.entries[messageSID]
	if r.epoch != epoch || te == nil || te.target != target {
		r.mu.Unlock()
		r.logger.Debug().Str("sid", messageSID).Str("url", target).Msg("dropping stale preview result")
		return
	}
	te.entry = entry
	r.mu.Unlock()
	r.emit(entry)
}

// resolve performs the bounded metadata fetch and classifies failures into
// short human-readable messages (timeout / network / parse / service).
func (r *Resolver) resolve(target string) Entry {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	endpoint := r.metadataURL + "?url=" + url.QueryEscape(target)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return failedEntry(target, "Preview request failed")
	}
	resp, err := r.client.Do(req)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return failedEntry(target, "Preview request timed out.")
		}
		return failedEntry(target, "Network error: could not reach preview service.")
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return failedEntry(target, "Preview request timed out.")
		}
		return failedEntry(target, "Network error: could not reach preview service.")
	}

	var meta SiteMetadata
	decodeErr := json.Unmarshal(body, &meta)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := meta.ErrorMessage
		if msg == "" {
			msg = "Preview service returned " + strconv.Itoa(resp.StatusCode)
		}
		return failedEntry(target, msg)
	}
	if decodeErr != nil {
		return failedEntry(target, "Error parsing response from preview service.")
	}

	// Normalize: the service may omit url and title.
	if meta.URL == "" {
		meta.URL = target
	}
	if meta.Title == "" {
		if meta.SiteName != "" {
			meta.Title = meta.SiteName
		} else {
			meta.Title = target
		}
	}
	return Entry{SourceURL: target, State: StateResolved, Metadata: meta}
}

func failedEntry(target, msg string) Entry {
	return Entry{
		SourceURL:    target,
		State:        StateFailed,
		Metadata:     SiteMetadata{URL: target, Title: target, ErrorMessage: msg},
		IsError:      true,
		ErrorMessage: msg,
	}
}

func (r *Resolver) emit(entry Entry) {
	if r.onUpdate != nil {
		r.onUpdate(entry)
	}
}
