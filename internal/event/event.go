// Package event implements the event admin (C8): topic-routed event
// dispatch, both synchronous (send_event) and asynchronous (post_event) over
// the bounded worker pool (C9), per SPEC_FULL.md §4.6. Handlers register as
// ordinary services of a well-known interface in the service registry (C5),
// matching the spec's "handlers register as ordinary services" design.
package event

import (
	"context"
	"strings"

	"module/internal/filter"
	"module/internal/registry"
	"module/internal/worker"
	"module/pkg/logging"
)

// HandlerInterface is the well-known interface name event handlers register
// under in the service registry.
const HandlerInterface = "module.event.EventHandler"

// Property keys a handler registration must/may carry.
const (
	PropTopics = "event.topics" // required: []string of topic patterns
	PropFilter = "event.filter" // optional: filter.Filter or string
)

// Handler receives dispatched events.
type Handler interface {
	HandleEvent(topic string, properties map[string]interface{})
}

// adminBundleID is the pseudo bundle id the event admin uses as a consumer
// when borrowing handler instances from the registry; 0 is reserved for the
// system/framework bundle per SPEC_FULL.md §3.
const adminBundleID int64 = 0

// Admin dispatches events to registered handlers.
type Admin struct {
	reg  *registry.Registry
	pool *worker.Pool
}

// New returns an Admin dispatching over reg's handler registrations using
// pool for asynchronous delivery.
func New(reg *registry.Registry, pool *worker.Pool) *Admin {
	return &Admin{reg: reg, pool: pool}
}

// SendEvent dispatches topic synchronously to every matching handler on the
// caller's goroutine, returning only after all have completed. A handler
// that panics is recovered and logged; dispatch continues to the rest of the
// snapshot.
func (a *Admin) SendEvent(topic string, properties map[string]interface{}) {
	for _, ref := range a.matchingHandlers(topic, properties) {
		a.invoke(ref, topic, properties)
	}
}

// PostEvent dispatches topic asynchronously: one task per matching handler
// is submitted to the worker pool. Ordering between handlers, and between
// distinct PostEvent calls, is unspecified — SPEC_FULL.md §4.6/§5.
func (a *Admin) PostEvent(ctx context.Context, topic string, properties map[string]interface{}) error {
	for _, ref := range a.matchingHandlers(topic, properties) {
		ref := ref
		if err := a.pool.Submit(ctx, func() {
			a.invoke(ref, topic, properties)
		}); err != nil {
			return err
		}
	}
	return nil
}

func (a *Admin) matchingHandlers(topic string, properties map[string]interface{}) []*registry.ServiceReference {
	all := a.reg.GetReferences(HandlerInterface, nil)
	matched := make([]*registry.ServiceReference, 0, len(all))
	for _, ref := range all {
		props := ref.Properties()
		if !topicsMatch(props[PropTopics], topic) {
			continue
		}
		if f, ok := handlerFilter(props[PropFilter]); ok && !f.Matches(properties) {
			continue
		}
		matched = append(matched, ref)
	}
	return matched
}

func handlerFilter(v interface{}) (filter.Filter, bool) {
	switch f := v.(type) {
	case filter.Filter:
		return f, true
	case string:
		if f == "" {
			return nil, false
		}
		parsed, err := filter.Parse(f)
		if err != nil {
			logging.Warn("Event", "invalid event.filter %q: %v", f, err)
			return nil, false
		}
		return parsed, true
	default:
		return nil, false
	}
}

func topicsMatch(v interface{}, topic string) bool {
	patterns, ok := v.([]string)
	if !ok {
		return false
	}
	for _, pattern := range patterns {
		if topicMatches(pattern, topic) {
			return true
		}
	}
	return false
}

// topicMatches implements the trailing-'*' wildcard subscription syntax of
// SPEC_FULL.md §4.6: "a/*" matches any topic starting with "a/".
func topicMatches(pattern, topic string) bool {
	if strings.HasSuffix(pattern, "*") {
		prefix := strings.TrimSuffix(pattern, "*")
		return strings.HasPrefix(topic, prefix)
	}
	return pattern == topic
}

func (a *Admin) invoke(ref *registry.ServiceReference, topic string, properties map[string]interface{}) {
	defer func() {
		if r := recover(); r != nil {
			logging.Error("Event", nil, "handler for topic %s panicked: %v", topic, r)
		}
	}()

	instance, err := a.reg.GetService(adminBundleID, ref)
	if err != nil || instance == nil {
		return
	}
	defer a.reg.UngetService(adminBundleID, ref)

	handler, ok := instance.(Handler)
	if !ok {
		logging.Warn("Event", "registered handler for %s does not implement event.Handler", topic)
		return
	}
	handler.HandleEvent(topic, properties)
}
