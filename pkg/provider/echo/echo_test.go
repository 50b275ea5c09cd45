package echo

import (
	"bytes"
	"context"
	"testing"

	"github.com/voxgate-io/voxgate/pkg/provider/stt"
	"github.com/voxgate-io/voxgate/pkg/provider/tts"
)

func TestLoopback_CaptureAndReplay(t *testing.T) {
	_, sttp, ttsp := NewLoopback()
	ctx := context.Background()

	sess, err := sttp.StartStream(ctx, stt.StreamConfig{SampleRate: 16000})
	if err != nil {
		t.Fatalf("StartStream: %v", err)
	}
	if err := sess.SendAudio([]byte{1, 2, 3}); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}
	if err := sess.SendAudio([]byte{4, 5}); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}
	if err := sess.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	tr, ok := <-sess.Results()
	if !ok {
		t.Fatal("expected a final transcript")
	}
	if !tr.IsFinal || tr.Text == "" {
		t.Errorf("transcript = %+v", tr)
	}
	if _, open := <-sess.Results(); open {
		t.Error("results channel must be closed after the final transcript")
	}

	stream, err := ttsp.OpenStream(ctx, tts.StreamConfig{VoiceID: "echo"})
	if err != nil {
		t.Fatalf("OpenStream: %v", err)
	}
	if err := stream.Synthesize("ignored"); err != nil {
		t.Fatalf("Synthesize: %v", err)
	}

	var replayed []byte
	for chunk := range stream.Chunks() {
		replayed = append(replayed, chunk.Audio...)
		if chunk.Final {
			break
		}
	}
	if !bytes.Equal(replayed, []byte{1, 2, 3, 4, 5}) {
		t.Errorf("replayed = %v, want captured audio", replayed)
	}
	if err := stream.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestSTTSession_SendAfterClose(t *testing.T) {
	_, sttp, _ := NewLoopback()
	sess, _ := sttp.StartStream(context.Background(), stt.StreamConfig{})
	sess.Close()
	if err := sess.SendAudio([]byte{1}); err == nil {
		t.Error("SendAudio after Close should fail")
	}
}

func TestTTSStream_ReplayIsChunked(t *testing.T) {
	loop, _, ttsp := NewLoopback()
	loop.store(make([]byte, replayChunkBytes*2+10))

	stream, _ := ttsp.OpenStream(context.Background(), tts.StreamConfig{})
	if err := stream.Synthesize("x"); err != nil {
		t.Fatalf("Synthesize: %v", err)
	}

	var sizes []int
	for chunk := range stream.Chunks() {
		if chunk.Final {
			break
		}
		sizes = append(sizes, len(chunk.Audio))
	}
	want := []int{replayChunkBytes, replayChunkBytes, 10}
	if len(sizes) != len(want) {
		t.Fatalf("chunk sizes = %v, want %v", sizes, want)
	}
	for i := range want {
		if sizes[i] != want[i] {
			t.Errorf("chunk %d size = %d, want %d", i, sizes[i], want[i])
		}
	}
	stream.Close()
}

func TestListVoices(t *testing.T) {
	_, _, ttsp := NewLoopback()
	voices, err := ttsp.ListVoices(context.Background())
	if err != nil {
		t.Fatalf("ListVoices: %v", err)
	}
	if len(voices) != 1 || voices[0].ID != "echo" {
		t.Errorf("voices = %+v", voices)
	}
}
