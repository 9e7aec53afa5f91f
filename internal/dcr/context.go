package dcr

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// Go has no native thread-local storage; the "current activation stack" of
// the activation algorithm's cycle-detection step is carried as a
// context.Context value threaded through the recursive activation calls,
// the idiomatic per-call-chain equivalent that preserves the "no global
// graph, no global lock" design note exactly — a goroutine that starts a
// fresh activation gets a fresh, empty stack.
type activationStackKey struct{}

func activationStackFrom(ctx context.Context) []*Configuration {
	stack, _ := ctx.Value(activationStackKey{}).([]*Configuration)
	return stack
}

func withActivationStack(ctx context.Context, stack []*Configuration) context.Context {
	return context.WithValue(ctx, activationStackKey{}, stack)
}

func stackContains(stack []*Configuration, cc *Configuration) bool {
	for _, s := range stack {
		if s == cc {
			return true
		}
	}
	return false
}

func cycleNames(stack []*Configuration, cc *Configuration) []string {
	start := 0
	for i, s := range stack {
		if s == cc {
			start = i
			break
		}
	}
	names := make([]string, 0, len(stack)-start+1)
	for _, s := range stack[start:] {
		names = append(names, s.Desc.Name)
	}
	names = append(names, cc.Desc.Name)
	return names
}

// cycleKey builds a canonical, order-independent identifier for the cycle
// cc closes against stack, so the same cycle reached via different entry
// configurations (e.g. activating c1 vs. c2 vs. c6, all of which recurse
// into the same 1→3→5→1 loop) produces an identical key.
func cycleKey(stack []*Configuration, cc *Configuration) string {
	start := 0
	for i, s := range stack {
		if s == cc {
			start = i
			break
		}
	}
	members := stack[start:]
	ids := make([]string, len(members))
	for i, m := range members {
		ids[i] = fmt.Sprintf("%d:%s", m.BundleID, m.Desc.Name)
	}
	sort.Strings(ids)
	return strings.Join(ids, ",")
}
