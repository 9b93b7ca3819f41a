package turns

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/charmbracelet/log"

	"hearsay/asr"
	"hearsay/protocol"
)

type fakeEngine struct {
	sink     asr.Sink
	rate     int
	startErr error

	started bool
	stopped bool
	frames  [][]int16
}

func (e *fakeEngine) Start(ctx context.Context) error {
	if e.startErr != nil {
		return e.startErr
	}
	e.started = true
	return nil
}

func (e *fakeEngine) PushAudioFrame(pcm []int16, sampleRateHz int) error {
	e.frames = append(e.frames, pcm)
	return nil
}

func (e *fakeEngine) Stop(ctx context.Context, reason string) error {
	e.stopped = true
	return nil
}

func (e *fakeEngine) SampleRate() int { return e.rate }

type capture struct {
	msgs []protocol.ServerMessage
}

func (c *capture) emit(msg protocol.ServerMessage) {
	c.msgs = append(c.msgs, msg)
}

func newTestAssembler(t *testing.T) (*Assembler, *fakeEngine, *capture) {
	t.Helper()
	engine := &fakeEngine{rate: 16000}
	var out capture
	asm, err := New("s1", func(sink asr.Sink) (asr.Engine, error) {
		engine.sink = sink
		return engine, nil
	}, out.emit, log.New(io.Discard))
	if err != nil {
		t.Fatalf("failed to build assembler: %v", err)
	}
	return asm, engine, &out
}

func startAssembler(t *testing.T, asm *Assembler) {
	t.Helper()
	if err := asm.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
}

func TestAssemblerLifecycle(t *testing.T) {
	asm, engine, _ := newTestAssembler(t)

	if got := asm.State(); got != StateIdle {
		t.Fatalf("initial state = %s, want %s", got, StateIdle)
	}
	startAssembler(t, asm)
	if !engine.started {
		t.Error("engine not started")
	}
	if got := asm.State(); got != StateOpen {
		t.Errorf("state = %s, want %s", got, StateOpen)
	}

	if err := asm.Start(context.Background()); err == nil {
		t.Error("double start accepted")
	}

	if err := asm.Stop(context.Background(), "client_stop"); err != nil {
		t.Fatalf("stop failed: %v", err)
	}
	if !engine.stopped {
		t.Error("engine not stopped")
	}
	if got := asm.State(); got != StateStopped {
		t.Errorf("state = %s, want %s", got, StateStopped)
	}
	// Idempotent.
	if err := asm.Stop(context.Background(), "again"); err != nil {
		t.Errorf("second stop errored: %v", err)
	}
}

func TestAssemblerStartFailure(t *testing.T) {
	engine := &fakeEngine{rate: 16000, startErr: errors.New("dial refused")}
	asm, err := New("s1", func(sink asr.Sink) (asr.Engine, error) {
		engine.sink = sink
		return engine, nil
	}, func(protocol.ServerMessage) {}, log.New(io.Discard))
	if err != nil {
		t.Fatalf("failed to build assembler: %v", err)
	}

	if err := asm.Start(context.Background()); err == nil {
		t.Fatal("start succeeded despite engine failure")
	}
	if got := asm.State(); got != StateStopped {
		t.Errorf("state = %s, want %s", got, StateStopped)
	}
}

func TestTurnAssembly(t *testing.T) {
	asm, engine, out := newTestAssembler(t)
	startAssembler(t, asm)

	engine.sink.Emit(asr.Event{Kind: asr.EventSpeechStarted, StartMs: 100})
	engine.sink.Emit(asr.Event{Kind: asr.EventPartial, Text: "hello", StartMs: 100, EndMs: 400})
	engine.sink.Emit(asr.Event{Kind: asr.EventPartial, Text: "hello", StartMs: 100, EndMs: 500})
	engine.sink.Emit(asr.Event{Kind: asr.EventPartial, Text: "hello there", StartMs: 100, EndMs: 800})
	engine.sink.Emit(asr.Event{Kind: asr.EventFinal, Text: "Hello there.", Lang: "en", StartMs: 100, EndMs: 900})

	// Second utterance opens a fresh turn.
	engine.sink.Emit(asr.Event{Kind: asr.EventPartial, Text: "bye", StartMs: 2000, EndMs: 2200})
	engine.sink.Emit(asr.Event{Kind: asr.EventFinal, Text: "Bye.", Lang: "en", StartMs: 2000, EndMs: 2400})

	want := []string{
		protocol.TypeTurnStart,
		protocol.TypeSTTPartial, // "hello"; the repeat is deduped
		protocol.TypeSTTPartial, // "hello there"
		protocol.TypeSTTFinal,
		protocol.TypeTurnFinal,
		protocol.TypeTurnStart,
		protocol.TypeSTTPartial,
		protocol.TypeSTTFinal,
		protocol.TypeTurnFinal,
	}
	if len(out.msgs) != len(want) {
		t.Fatalf("emitted %d messages, want %d: %#v", len(out.msgs), len(want), out.msgs)
	}

	ts, ok := out.msgs[0].(protocol.TurnStart)
	if !ok {
		t.Fatalf("msg 0 is %T", out.msgs[0])
	}
	if ts.TurnID != "t1" || ts.StartMs != 100 {
		t.Errorf("turn.start = %+v", ts)
	}

	fin, ok := out.msgs[3].(protocol.STTFinal)
	if !ok {
		t.Fatalf("msg 3 is %T", out.msgs[3])
	}
	if fin.TurnID != "t1" || fin.Text != "Hello there." || fin.Lang != "en" || fin.EndMs != 900 {
		t.Errorf("stt.final = %+v", fin)
	}

	tf, ok := out.msgs[4].(protocol.TurnFinal)
	if !ok {
		t.Fatalf("msg 4 is %T", out.msgs[4])
	}
	if tf.TurnID != "t1" || tf.StartMs != 100 || tf.EndMs != 900 {
		t.Errorf("turn.final = %+v", tf)
	}

	ts2, ok := out.msgs[5].(protocol.TurnStart)
	if !ok {
		t.Fatalf("msg 5 is %T", out.msgs[5])
	}
	if ts2.TurnID != "t2" || ts2.StartMs != 2000 {
		t.Errorf("second turn.start = %+v", ts2)
	}

	for _, msg := range out.msgs {
		if err := msg.Validate(); err != nil {
			t.Errorf("emitted off-schema message: %v (%#v)", err, msg)
		}
	}
}

func TestFlushOnStop(t *testing.T) {
	asm, engine, out := newTestAssembler(t)
	startAssembler(t, asm)

	engine.sink.Emit(asr.Event{Kind: asr.EventPartial, Text: "unfinished thou", StartMs: 50, EndMs: 600})
	if err := asm.Stop(context.Background(), "client_stop"); err != nil {
		t.Fatalf("stop failed: %v", err)
	}

	// turn.start, stt.partial, then the synthesized stt.final and turn.final.
	if len(out.msgs) != 4 {
		t.Fatalf("emitted %d messages, want 4: %#v", len(out.msgs), out.msgs)
	}
	fin, ok := out.msgs[2].(protocol.STTFinal)
	if !ok {
		t.Fatalf("msg 2 is %T", out.msgs[2])
	}
	if fin.Text != "unfinished thou" {
		t.Errorf("synthesized final text = %q", fin.Text)
	}
	if _, ok := out.msgs[3].(protocol.TurnFinal); !ok {
		t.Errorf("msg 3 is %T, want TurnFinal", out.msgs[3])
	}
}

func TestFlushOnStopWithoutPartial(t *testing.T) {
	asm, engine, out := newTestAssembler(t)
	startAssembler(t, asm)

	engine.sink.Emit(asr.Event{Kind: asr.EventSpeechStarted, StartMs: 10})
	if err := asm.Stop(context.Background(), "client_stop"); err != nil {
		t.Fatalf("stop failed: %v", err)
	}

	// No text ever arrived: the turn closes without a synthesized final.
	if len(out.msgs) != 2 {
		t.Fatalf("emitted %d messages, want 2: %#v", len(out.msgs), out.msgs)
	}
	if _, ok := out.msgs[1].(protocol.TurnFinal); !ok {
		t.Errorf("msg 1 is %T, want TurnFinal", out.msgs[1])
	}
}

func TestSpeakerAttribution(t *testing.T) {
	t.Run("recent hint is attributed to the next turn", func(t *testing.T) {
		asm, engine, out := newTestAssembler(t)
		startAssembler(t, asm)

		engine.sink.Emit(asr.Event{Kind: asr.EventSpeaker, SpeakerID: "S1"})
		engine.sink.Emit(asr.Event{Kind: asr.EventPartial, Text: "hi", StartMs: 0, EndMs: 100})

		ts := out.msgs[0].(protocol.TurnStart)
		if ts.SpeakerID != "S1" {
			t.Errorf("speaker = %q, want S1", ts.SpeakerID)
		}
	})

	t.Run("stale hint is discarded", func(t *testing.T) {
		asm, engine, out := newTestAssembler(t)
		startAssembler(t, asm)

		engine.sink.Emit(asr.Event{Kind: asr.EventSpeaker, SpeakerID: "S1"})
		asm.now = func() time.Time { return time.Now().Add(DefaultSpeakerWindow + time.Second) }
		engine.sink.Emit(asr.Event{Kind: asr.EventPartial, Text: "hi", StartMs: 0, EndMs: 100})

		ts := out.msgs[0].(protocol.TurnStart)
		if ts.SpeakerID != "" {
			t.Errorf("speaker = %q, want empty", ts.SpeakerID)
		}
	})

	t.Run("hint during an open turn fills it in", func(t *testing.T) {
		asm, engine, out := newTestAssembler(t)
		startAssembler(t, asm)

		engine.sink.Emit(asr.Event{Kind: asr.EventPartial, Text: "hi", StartMs: 0, EndMs: 100})
		engine.sink.Emit(asr.Event{Kind: asr.EventSpeaker, SpeakerID: "S2"})
		engine.sink.Emit(asr.Event{Kind: asr.EventFinal, Text: "Hi.", StartMs: 0, EndMs: 200})

		tf := out.msgs[len(out.msgs)-1].(protocol.TurnFinal)
		if tf.SpeakerID != "S2" {
			t.Errorf("turn.final speaker = %q, want S2", tf.SpeakerID)
		}
	})
}

func TestLanguageResolution(t *testing.T) {
	asm, engine, out := newTestAssembler(t)
	startAssembler(t, asm)

	// Explicit language wins over the detection object.
	engine.sink.Emit(asr.Event{
		Kind: asr.EventFinal, Text: "eins", StartMs: 0, EndMs: 100,
		Lang:     "de",
		Detected: &asr.LangDetect{Lang: "nl", Confidence: 0.4},
	})
	// Nothing resolved: fall back to the last confirmed language.
	engine.sink.Emit(asr.Event{Kind: asr.EventFinal, Text: "zwei", StartMs: 200, EndMs: 300})
	// Detection object beats the generic result language.
	engine.sink.Emit(asr.Event{
		Kind: asr.EventFinal, Text: "three", StartMs: 400, EndMs: 500,
		Detected:   &asr.LangDetect{Lang: "en", Confidence: 0.9},
		ResultLang: "de",
	})

	var finals []protocol.STTFinal
	for _, msg := range out.msgs {
		if f, ok := msg.(protocol.STTFinal); ok {
			finals = append(finals, f)
		}
	}
	if len(finals) != 3 {
		t.Fatalf("got %d finals, want 3", len(finals))
	}
	want := []string{"de", "de", "en"}
	for i, lang := range want {
		if finals[i].Lang != lang {
			t.Errorf("final %d lang = %q, want %q", i, finals[i].Lang, lang)
		}
	}
}

func TestFrameResampledToEngineRate(t *testing.T) {
	asm, engine, _ := newTestAssembler(t)
	startAssembler(t, asm)

	if err := asm.OnAudioFrame(context.Background(), make([]int16, 480), 48000); err != nil {
		t.Fatalf("frame rejected: %v", err)
	}
	if len(engine.frames) != 1 {
		t.Fatalf("engine received %d frames, want 1", len(engine.frames))
	}
	if got := len(engine.frames[0]); got != 160 {
		t.Errorf("resampled frame length = %d, want 160", got)
	}

	// Frames outside the open state are dropped silently.
	asm.Stop(context.Background(), "client_stop")
	if err := asm.OnAudioFrame(context.Background(), make([]int16, 480), 48000); err != nil {
		t.Fatalf("post-stop frame errored: %v", err)
	}
	if len(engine.frames) != 1 {
		t.Errorf("engine received a frame after stop")
	}
}
