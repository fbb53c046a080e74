package publish

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	kafkago "github.com/segmentio/kafka-go"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/kjstillabower/radar-overlay-service/internal/models"
	"github.com/kjstillabower/radar-overlay-service/internal/stream"
)

type fakeWriter struct {
	mu     sync.Mutex
	msgs   []kafkago.Message
	err    error
	closed bool
}

func (w *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafkago.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return nil
}

func (w *fakeWriter) written() []kafkago.Message {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]kafkago.Message(nil), w.msgs...)
}

func testOverlay(id string) models.OverlayResult {
	return models.OverlayResult{
		VolumeID:  id,
		Site:      "KMOB",
		Timestamp: time.Date(2024, 5, 1, 7, 34, 56, 0, time.FixedZone("CDT", -5*3600)),
		Elevation: 0.48,
		Points:    []models.ReflectivitySample{{Lat: 30, Lon: -88, Value: 40, Color: "#E5BC00"}},
		Polygons:  []models.ContourPolygon{},
	}
}

func TestSerializeToMessage(t *testing.T) {
	msg, err := serializeToMessage(testOverlay("2024/05/01/KMOB/KMOB20240501_123456_V06"))
	if err != nil {
		t.Fatalf("serializeToMessage() error = %v", err)
	}
	if string(msg.Key) != "KMOB" {
		t.Errorf("Key = %q, want KMOB", msg.Key)
	}
	var decoded map[string]interface{}
	if err := json.Unmarshal(msg.Value, &decoded); err != nil {
		t.Fatalf("Value is not JSON: %v", err)
	}
	if decoded["volumeId"] != "2024/05/01/KMOB/KMOB20240501_123456_V06" {
		t.Errorf("volumeId = %v", decoded["volumeId"])
	}
	want := map[string]string{
		"volume_id": "2024/05/01/KMOB/KMOB20240501_123456_V06",
		"elevation": "0.48",
		"scan_time": "2024-05-01T12:34:56Z",
	}
	if len(msg.Headers) != len(want) {
		t.Fatalf("len(Headers) = %d, want %d", len(msg.Headers), len(want))
	}
	for _, h := range msg.Headers {
		if want[h.Key] != string(h.Value) {
			t.Errorf("header %s = %q, want %q", h.Key, h.Value, want[h.Key])
		}
	}
}

// TestPublisher_StartPublishesOverlaysOnly verifies that only radar_data broadcasts reach
// Kafka and that Flush waits for the consumer before closing the writer.
func TestPublisher_StartPublishesOverlaysOnly(t *testing.T) {
	w := &fakeWriter{}
	p := NewPublisher(w, time.Second, nil)
	msgs := make(chan stream.Message, 4)
	p.Start(context.Background(), msgs)

	a, b := testOverlay("a"), testOverlay("b")
	msgs <- stream.Message{Type: stream.TypeRadarData, Overlay: &a}
	msgs <- stream.Message{Type: stream.TypeSweepAngle, Angle: 90}
	msgs <- stream.Message{Type: stream.TypeError, Error: "boom"}
	msgs <- stream.Message{Type: stream.TypeRadarData, Overlay: &b}
	close(msgs)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := p.Flush(ctx); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}
	got := w.written()
	if len(got) != 2 {
		t.Fatalf("written = %d, want 2", len(got))
	}
	if string(got[0].Headers[0].Value) != "a" || string(got[1].Headers[0].Value) != "b" {
		t.Errorf("order = %q, %q; want a, b", got[0].Headers[0].Value, got[1].Headers[0].Value)
	}
	if !w.closed {
		t.Error("writer not closed by Flush")
	}
}

// TestPublisher_WriteErrorLogged verifies a failed write is logged and does not stop
// the consumer.
func TestPublisher_WriteErrorLogged(t *testing.T) {
	w := &fakeWriter{err: errors.New("kafka: leader not available")}
	core, logs := observer.New(zap.WarnLevel)
	p := NewPublisher(w, time.Second, zap.New(core))
	msgs := make(chan stream.Message, 2)
	p.Start(context.Background(), msgs)

	a := testOverlay("a")
	msgs <- stream.Message{Type: stream.TypeRadarData, Overlay: &a}
	msgs <- stream.Message{Type: stream.TypeRadarData, Overlay: &a}
	close(msgs)
	if err := p.Flush(context.Background()); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}
	if n := logs.FilterMessage("overlay publish failed").Len(); n != 2 {
		t.Errorf("failure logs = %d, want 2", n)
	}
}

func TestPublisher_FlushTimesOut(t *testing.T) {
	w := &fakeWriter{}
	p := NewPublisher(w, time.Second, nil)
	p.Start(context.Background(), make(chan stream.Message))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := p.Flush(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Flush() error = %v, want deadline exceeded", err)
	}
	if w.closed {
		t.Error("writer closed before the consumer drained")
	}
}

func TestPublisher_FlushWithoutStart(t *testing.T) {
	w := &fakeWriter{}
	if err := NewPublisher(w, 0, nil).Flush(context.Background()); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}
	if !w.closed {
		t.Error("writer not closed")
	}
}
