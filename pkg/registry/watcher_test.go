package registry

import (
	"io"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sonnylloyd/siprelay/pkg/config"
	"github.com/sonnylloyd/siprelay/pkg/events"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.Out = io.Discard
	return logger
}

// capturePublisher records every published event for assertions.
type capturePublisher struct {
	events []events.Event
}

func (p *capturePublisher) Publish(event events.Event) {
	p.events = append(p.events, event)
}

func (p *capturePublisher) Close() {}

func (p *capturePublisher) ofType(eventType string) []events.Event {
	var matched []events.Event
	for _, event := range p.events {
		if event.Type == eventType {
			matched = append(matched, event)
		}
	}
	return matched
}

func TestStaticWatcherPublishesRouteAdded(t *testing.T) {
	reg := NewMemoryRegistry()
	publisher := &capturePublisher{}
	watcher := NewStaticWatcher(config.RegistryConfig{
		StaticRoutes: "pbx-a.internal:10.0.0.50:5090:5061,pbx-b.internal:10.0.0.51::5061",
	}, reg, publisher, testLogger())

	require.NoError(t, watcher.Update())

	require.Len(t, reg.All(), 2)
	added := publisher.ofType(events.TypeRouteAdded)
	require.Len(t, added, 2)
	assert.Equal(t, "pbx-a.internal", added[0].Hostname)
	assert.Equal(t, "10.0.0.50", added[0].BackendIP)
	assert.Empty(t, publisher.ofType(events.TypeRouteRemoved))
}

func TestStaticWatcherUnchangedTableIsQuiet(t *testing.T) {
	reg := NewMemoryRegistry()
	publisher := &capturePublisher{}
	watcher := NewStaticWatcher(config.RegistryConfig{
		StaticRoutes: "pbx.internal:10.0.0.50:5090:",
	}, reg, publisher, testLogger())

	require.NoError(t, watcher.Update())
	require.Len(t, publisher.events, 1)

	// The refresh pass re-applies the same table; no events this time.
	require.NoError(t, watcher.Update())
	assert.Len(t, publisher.events, 1)
}

func TestStaticWatcherPublishesRouteRemoved(t *testing.T) {
	reg := NewMemoryRegistry()
	publisher := &capturePublisher{}

	first := NewStaticWatcher(config.RegistryConfig{
		StaticRoutes: "pbx-a.internal:10.0.0.50:5090:,pbx-b.internal:10.0.0.51:5090:",
	}, reg, publisher, testLogger())
	require.NoError(t, first.Update())

	second := NewStaticWatcher(config.RegistryConfig{
		StaticRoutes: "pbx-a.internal:10.0.0.50:5090:",
	}, reg, publisher, testLogger())
	require.NoError(t, second.Update())

	removed := publisher.ofType(events.TypeRouteRemoved)
	require.Len(t, removed, 1)
	assert.Equal(t, "pbx-b.internal", removed[0].Hostname)
	assert.Equal(t, "10.0.0.51", removed[0].BackendIP)

	_, ok := reg.Resolve("pbx-b.internal")
	assert.False(t, ok)
}

func TestStaticWatcherPublishesOnRecordChange(t *testing.T) {
	reg := NewMemoryRegistry()
	publisher := &capturePublisher{}

	first := NewStaticWatcher(config.RegistryConfig{
		StaticRoutes: "pbx.internal:10.0.0.50:5090:",
	}, reg, publisher, testLogger())
	require.NoError(t, first.Update())

	second := NewStaticWatcher(config.RegistryConfig{
		StaticRoutes: "pbx.internal:10.0.0.60:5090:",
	}, reg, publisher, testLogger())
	require.NoError(t, second.Update())

	added := publisher.ofType(events.TypeRouteAdded)
	require.Len(t, added, 2)
	assert.Equal(t, "10.0.0.60", added[1].BackendIP)

	record, ok := reg.Resolve("pbx.internal")
	require.True(t, ok)
	assert.Equal(t, "10.0.0.60", record.IP)
}
