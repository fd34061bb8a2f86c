package stt

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap/zaptest"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/satriahrh/voicechat/domain"
	"github.com/satriahrh/voicechat/domain/repositories"
)

func TestClassifySpeechError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		kind error
	}{
		{name: "unauthenticated", err: status.Error(codes.Unauthenticated, "bad token"), kind: domain.ErrCapabilityUnavailable},
		{name: "permission denied", err: status.Error(codes.PermissionDenied, "api disabled"), kind: domain.ErrCapabilityUnavailable},
		{name: "missing credentials", err: errors.New("google: could not find default credentials"), kind: domain.ErrCapabilityUnavailable},
		{name: "unavailable", err: status.Error(codes.Unavailable, "try again"), kind: domain.ErrTransientNetwork},
		{name: "quota", err: status.Error(codes.ResourceExhausted, "quota"), kind: domain.ErrTransientNetwork},
		{name: "deadline", err: context.DeadlineExceeded, kind: domain.ErrTransientNetwork},
		{name: "invalid argument", err: status.Error(codes.InvalidArgument, "bad rate"), kind: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := classifySpeechError("stt.test", tt.err)
			if kind := domain.KindOf(got); kind != tt.kind {
				t.Errorf("Expected kind %v, got %v", tt.kind, kind)
			}
			if !errors.Is(got, tt.err) {
				t.Errorf("Expected cause to be preserved in %v", got)
			}
		})
	}
}

func TestGetAudioEncoding(t *testing.T) {
	if _, err := getAudioEncoding("LINEAR16"); err != nil {
		t.Errorf("Expected LINEAR16 to be supported, got %v", err)
	}
	if _, err := getAudioEncoding("MP3"); err == nil {
		t.Error("Expected MP3 to be rejected")
	}
}

func TestTranscribeAudioEmpty(t *testing.T) {
	g := NewGoogleSpeechToText(GoogleConfig{}, zaptest.NewLogger(t))
	text, err := g.TranscribeAudio(context.Background(), nil, repositories.AudioConfig{SampleRate: 16000, Encoding: "LINEAR16"})
	if err != nil || text != "" {
		t.Errorf("Expected empty transcript without error, got %q, %v", text, err)
	}
}

func TestMockSpeechToText(t *testing.T) {
	m := NewMockSpeechToText(zaptest.NewLogger(t))
	text, err := m.TranscribeAudio(context.Background(), make([]byte, 2000), repositories.AudioConfig{})
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if text != "Hello" {
		t.Errorf("Expected Hello, got %q", text)
	}

	text, _ = m.TranscribeAudio(context.Background(), make([]byte, 20000), repositories.AudioConfig{})
	if text != "How are you doing today?" {
		t.Errorf("Expected the longer transcript, got %q", text)
	}
}
