package loadtest

import (
	"context"
	"fmt"
	"math/rand/v2"
	"slices"
	"time"
)

// Step names reported in Summary.Steps.
const (
	StepPrime         = "correctness_prime"
	StepDuplicate     = "correctness_dup_l1"
	StepParaphrase    = "correctness_paraphrase_l2"
	StepParaphraseDup = "correctness_paraphrase_dup"
	StepMixedLoad     = "mixed_load"
)

const (
	sourceCache       = "cache"
	sourceLLM         = "llm"
	cacheTypeExact    = "l1"
	cacheTypeSemantic = "l2"
)

type expectation func(*queryResponse) error

func expectLLM(resp *queryResponse) error {
	if resp.Metadata.Source != sourceLLM {
		return fmt.Errorf("expected source %q, got %q", sourceLLM, resp.Metadata.Source)
	}
	return nil
}

func expectCache(types ...string) expectation {
	return func(resp *queryResponse) error {
		md := resp.Metadata
		if md.Source != sourceCache || !slices.Contains(types, md.CacheType) {
			return fmt.Errorf("expected cache hit from %v, got source=%q cache_type=%q", types, md.Source, md.CacheType)
		}
		return nil
	}
}

// issue sends one query and records it under step. It reports whether the
// request succeeded and met expect. Requests cut short by the end of the run
// are not counted.
func issue(ctx context.Context, c *apiClient, st *stats, step, query string, force bool, expect expectation) bool {
	start := time.Now()
	resp, err := c.query(ctx, query, force)
	if ctx.Err() != nil {
		return false
	}
	if err == nil && expect != nil {
		err = expect(resp)
	}
	failure := ""
	if err != nil {
		failure = err.Error()
	}
	st.record(step, time.Since(start), failure)
	return err == nil
}

// correctnessUser walks the tiers once against a freshly flushed cache:
// generation, exact hit, semantic hit, then a hit on either tier.
type correctnessUser struct {
	client *apiClient
	stats  *stats
	settle time.Duration
}

func (u *correctnessUser) run(ctx context.Context) {
	if !issue(ctx, u.client, u.stats, StepPrime, PrimeQuery, false, expectLLM) {
		return
	}
	if !sleep(ctx, u.settle) {
		return
	}
	if !issue(ctx, u.client, u.stats, StepDuplicate, PrimeQuery, false, expectCache(cacheTypeExact)) {
		return
	}
	if !issue(ctx, u.client, u.stats, StepParaphrase, ParaphraseQuery, false, expectCache(cacheTypeSemantic)) {
		return
	}
	issue(ctx, u.client, u.stats, StepParaphraseDup, ParaphraseQuery, false, expectCache(cacheTypeExact, cacheTypeSemantic))
}

// loadUser issues mixed traffic until the run ends.
type loadUser struct {
	client  *apiClient
	stats   *stats
	rng     *rand.Rand
	minWait time.Duration
	maxWait time.Duration
}

func (u *loadUser) run(ctx context.Context) {
	for ctx.Err() == nil {
		query, force := pickQuery(u.rng)
		issue(ctx, u.client, u.stats, StepMixedLoad, query, force, nil)
		if !sleep(ctx, u.wait()) {
			return
		}
	}
}

func (u *loadUser) wait() time.Duration {
	span := u.maxWait - u.minWait
	if span <= 0 {
		return u.minWait
	}
	return u.minWait + time.Duration(u.rng.Int64N(int64(span)+1))
}
