// Package sloghooks turns offgrid hook events into slog records.
package sloghooks

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"net/url"
	"sync/atomic"

	"github.com/unkn0wn-root/offgrid"
)

type Options struct {
	// Sampling to avoid floods; 0/1 = log all.
	SelfHealEvery uint64
	FallbackEvery uint64
	// Optional URL redactor. Defaults to keeping the path and replacing the
	// query with a SHA-256 prefix.
	Redact func(string) string
}

type Hooks struct {
	l    *slog.Logger
	opts Options

	selfHealCtr atomic.Uint64
	fallbackCtr atomic.Uint64
}

var _ offgrid.Hooks = (*Hooks)(nil)

func New(l *slog.Logger, opts Options) *Hooks {
	return &Hooks{l: l, opts: opts}
}

func (h *Hooks) redact(raw string) string {
	if h.opts.Redact != nil {
		return h.opts.Redact(raw)
	}
	u, err := url.Parse(raw)
	if err != nil || u.RawQuery == "" {
		return raw
	}
	sum := sha256.Sum256([]byte(u.RawQuery))
	u.RawQuery = "h=" + hex.EncodeToString(sum[:8])
	return u.String()
}

func sample(n uint64, ctr *atomic.Uint64) bool {
	if n == 0 || n == 1 {
		return true
	}
	return ctr.Add(1)%n == 0
}

func (h *Hooks) SelfHeal(partition, u, reason string) {
	if h.l == nil || !sample(h.opts.SelfHealEvery, &h.selfHealCtr) {
		return
	}
	h.l.Debug("offgrid.self_heal",
		"partition", partition,
		"url", h.redact(u),
		"reason", reason)
}

func (h *Hooks) CacheWriteFailed(partition, u string, err error) {
	if h.l == nil {
		return
	}
	h.l.Warn("offgrid.cache_write_failed",
		"partition", partition,
		"url", h.redact(u),
		"err", err)
}

func (h *Hooks) RefreshFailed(partition, u string, err error) {
	if h.l == nil {
		return
	}
	h.l.Info("offgrid.refresh_failed",
		"partition", partition,
		"url", h.redact(u),
		"err", err)
}

func (h *Hooks) PrecacheSkipped(u string, err error) {
	if h.l == nil {
		return
	}
	h.l.Warn("offgrid.precache_skipped",
		"url", h.redact(u),
		"err", err)
}

func (h *Hooks) PartitionDeleted(name string) {
	if h.l == nil {
		return
	}
	h.l.Info("offgrid.partition_deleted", "partition", name)
}

func (h *Hooks) Fallback(u, kind string) {
	if h.l == nil || !sample(h.opts.FallbackEvery, &h.fallbackCtr) {
		return
	}
	h.l.Debug("offgrid.fallback",
		"url", h.redact(u),
		"kind", kind)
}

func (h *Hooks) StateChanged(version string, from, to offgrid.State) {
	if h.l == nil {
		return
	}
	h.l.Info("offgrid.state_changed",
		"version", version,
		"from", from.String(),
		"to", to.String())
}
