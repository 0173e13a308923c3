package service

import (
	"context"
	"errors"
	"sort"
	"strings"

	"go.uber.org/zap"

	"app-security/internal/repository"
)

// Items that still have to reach the authority.
const (
	pendingPin       = "pin"
	pendingBiometric = "biometric"
	pendingRemoval   = "removal"
)

// pendingSync is the retry marker for operations that completed locally
// while the authority was unreachable.
type pendingSync struct {
	kv     repository.KVStore
	logger *zap.Logger
}

func (p *pendingSync) list(ctx context.Context) []string {
	v, err := p.kv.Get(ctx, repository.KeyPendingSync)
	if err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			p.logger.Warn("Failed to read pending sync marker", zap.Error(err))
		}
		return nil
	}
	if v == "" {
		return nil
	}
	return strings.Split(v, ",")
}

func (p *pendingSync) has(ctx context.Context, item string) bool {
	for _, it := range p.list(ctx) {
		if it == item {
			return true
		}
	}
	return false
}

// mark adds item. A removal supersedes pin and biometric items and vice versa.
func (p *pendingSync) mark(ctx context.Context, item string) {
	set := map[string]bool{}
	for _, it := range p.list(ctx) {
		set[it] = true
	}
	if item == pendingRemoval {
		delete(set, pendingPin)
		delete(set, pendingBiometric)
	} else {
		delete(set, pendingRemoval)
	}
	set[item] = true
	p.write(ctx, set)
}

func (p *pendingSync) clear(ctx context.Context, items ...string) {
	set := map[string]bool{}
	for _, it := range p.list(ctx) {
		set[it] = true
	}
	for _, it := range items {
		delete(set, it)
	}
	p.write(ctx, set)
}

func (p *pendingSync) write(ctx context.Context, set map[string]bool) {
	var err error
	if len(set) == 0 {
		err = p.kv.Delete(ctx, repository.KeyPendingSync)
	} else {
		items := make([]string, 0, len(set))
		for it := range set {
			items = append(items, it)
		}
		sort.Strings(items)
		err = p.kv.Set(ctx, repository.KeyPendingSync, strings.Join(items, ","))
	}
	if err != nil {
		p.logger.Warn("Failed to write pending sync marker", zap.Error(err))
	}
}
