package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestDispatcherDeliversInOrderAndDrainsOnClose(t *testing.T) {
	sink := NewChannelSink(16)
	d := NewDispatcher(Config{BufferSize: 16}, sink)
	for i := 0; i < 5; i++ {
		d.Emit(context.Background(), Event{Type: LoginFailure, UserID: string(rune('a' + i))})
	}
	require.NoError(t, d.Close())

	var got []string
	for i := 0; i < 5; i++ {
		got = append(got, (<-sink.Events()).UserID)
	}
	require.Equal(t, []string{"a", "b", "c", "d", "e"}, got)

	d.Emit(context.Background(), Event{Type: LoginFailure})
	require.Zero(t, d.Dropped())
}

type blockingSink struct {
	release chan struct{}
	mu      sync.Mutex
	n       int
}

func (b *blockingSink) Emit(context.Context, Event) {
	<-b.release
	b.mu.Lock()
	b.n++
	b.mu.Unlock()
}

func TestDispatcherDropIfFullCounts(t *testing.T) {
	sink := &blockingSink{release: make(chan struct{})}
	d := NewDispatcher(Config{BufferSize: 1, DropIfFull: true}, sink)
	for i := 0; i < 10; i++ {
		d.Emit(context.Background(), Event{Type: LoginFailure})
	}
	require.Eventually(t, func() bool { return d.Dropped() >= 8 }, time.Second, 5*time.Millisecond)
	close(sink.release)
	require.NoError(t, d.Close())
}

func TestNilDispatcherIsNoop(t *testing.T) {
	var d *Dispatcher
	d.Emit(context.Background(), Event{})
	require.Zero(t, d.Dropped())
	require.NoError(t, d.Close())
	require.Nil(t, NewDispatcher(Config{}, nil))
}

func TestJSONWriterSink(t *testing.T) {
	var buf bytes.Buffer
	s := NewJSONWriterSink(&buf)
	s.Emit(context.Background(), Event{Type: RefreshReuseDetected, TenantID: "t1", Metadata: map[string]string{"rfid": "f1"}})
	s.Emit(context.Background(), Event{Type: Logout, TenantID: "t1", Success: true})

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	var e Event
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &e))
	require.Equal(t, RefreshReuseDetected, e.Type)
	require.Equal(t, "f1", e.Metadata["rfid"])
}

func TestZapSinkLevels(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	s := NewZapSink(zap.New(core))
	s.Emit(context.Background(), Event{Type: LoginSuccess, TenantID: "t1", Success: true})
	s.Emit(context.Background(), Event{Type: AccountLocked, TenantID: "t1", Error: "account_locked"})

	entries := logs.All()
	require.Len(t, entries, 2)
	require.Equal(t, zap.InfoLevel, entries[0].Level)
	require.Equal(t, LoginSuccess, entries[0].Message)
	require.Equal(t, zap.WarnLevel, entries[1].Level)
	require.Equal(t, "account_locked", entries[1].ContextMap()["error_code"])
}

func TestKafkaSinkPublishesKeyedByTenant(t *testing.T) {
	cfg := mocks.NewTestConfig()
	cfg.Producer.Return.Successes = true
	producer := mocks.NewSyncProducer(t, cfg)
	producer.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		var e Event
		if err := json.Unmarshal(val, &e); err != nil {
			return err
		}
		if e.Type != FamilyRevoked {
			return errors.New("unexpected event type " + e.Type)
		}
		return nil
	})
	producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	core, logs := observer.New(zap.ErrorLevel)
	s := NewKafkaSink(producer, "audit.events", zap.New(core))
	s.Emit(context.Background(), Event{Type: FamilyRevoked, TenantID: "t1"})
	s.Emit(context.Background(), Event{Type: Logout, TenantID: "t1"})
	require.Equal(t, 1, logs.FilterMessage("publish audit event").Len())
	require.NoError(t, s.Close())
}

func TestMultiSink(t *testing.T) {
	a, b := NewChannelSink(1), NewChannelSink(1)
	MultiSink{a, nil, b}.Emit(context.Background(), Event{Type: MFAEnabled})
	require.Equal(t, MFAEnabled, (<-a.Events()).Type)
	require.Equal(t, MFAEnabled, (<-b.Events()).Type)
}
