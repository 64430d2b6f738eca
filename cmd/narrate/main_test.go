package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/loqalabs/loqa-narrator/internal/admission"
	"github.com/loqalabs/loqa-narrator/internal/artifacts"
	"github.com/loqalabs/loqa-narrator/internal/bus"
	"github.com/loqalabs/loqa-narrator/internal/config"
	"github.com/loqalabs/loqa-narrator/internal/narration"
	"github.com/loqalabs/loqa-narrator/internal/natsserver"
	"github.com/loqalabs/loqa-narrator/internal/orchestrator"
	"github.com/loqalabs/loqa-narrator/internal/synth"
	"github.com/loqalabs/loqa-narrator/internal/voiceclass"
)

const artifactBucket = "narration-artifacts"

func TestRunSplit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "script.txt")
	if err := os.WriteFile(path, []byte("One short line. Another short line. A third one."), 0o644); err != nil {
		t.Fatal(err)
	}
	var out bytes.Buffer
	if err := runSplit([]string{"-max", "20", "-file", path}, &out); err != nil {
		t.Fatalf("split: %v", err)
	}
	got := out.String()
	if !strings.Contains(got, "--- chunk 0 (15 chars)\nOne short line.\n") {
		t.Fatalf("unexpected output:\n%s", got)
	}
	if !strings.Contains(got, "--- 3 chunks, 0 oversized sentences, 0 hard cuts") {
		t.Fatalf("missing summary:\n%s", got)
	}
}

func TestRunSplitMissingFile(t *testing.T) {
	if err := runSplit([]string{"-file", filepath.Join(t.TempDir(), "nope.txt")}, &bytes.Buffer{}); err == nil {
		t.Fatal("expected error for missing file")
	}
}

// startNarrator runs the narration service behind an embedded NATS server
// and returns the client URL. With objectStore set, artifacts go to the
// JetStream object store instead of travelling inline.
func startNarrator(t *testing.T, objectStore bool) string {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ns, err := natsserver.Start(config.BusConfig{Embedded: true, Port: -1, StoreDir: t.TempDir()}, logger)
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	t.Cleanup(ns.Shutdown)

	client, err := bus.Connect(context.Background(), config.BusConfig{Servers: []string{ns.ClientURL()}, ConnectTimeout: 2000}, logger)
	if err != nil {
		t.Fatalf("connect bus: %v", err)
	}
	t.Cleanup(client.Close)

	registry, err := voiceclass.New(
		narration.VoiceClassLimits{Class: "premium", MaxRequestsPerSecond: 20, MaxCharsPerRequest: 40},
		narration.VoiceClassLimits{Class: "economy", MaxRequestsPerSecond: 10, MaxCharsPerRequest: 3000},
	)
	if err != nil {
		t.Fatal(err)
	}
	inv := synth.NewInvoker(synth.NewMockBackend(0, 2), registry, synth.Options{OutputFormat: "mp3"}, logger)
	sched := admission.NewScheduler(registry, admission.Options{}, inv, logger)
	t.Cleanup(sched.Close)
	orch := orchestrator.New(registry, sched, nil, inv.OutputFormat(), logger)

	var sink artifacts.Sink = artifacts.Discard{}
	if objectStore {
		obs, err := client.ObjectStore(artifactBucket)
		if err != nil {
			t.Fatalf("object store: %v", err)
		}
		sink = artifacts.NewObjectStoreSink(obs, artifactBucket, logger)
	}
	svc := orchestrator.NewService(context.Background(), config.NarrationConfig{Enabled: true, RequestTimeoutMS: 5000}, client, orch, sink, logger)
	if err := svc.Start(); err != nil {
		t.Fatalf("start service: %v", err)
	}
	t.Cleanup(svc.Close)
	return ns.ClientURL()
}

func writeScript(t *testing.T, dir, text string) string {
	t.Helper()
	path := filepath.Join(dir, "script.txt")
	if err := os.WriteFile(path, []byte(text), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestRunSynthesizeInlineWritesAudioAndMarks(t *testing.T) {
	url := startNarrator(t, false)
	dir := t.TempDir()
	text := "The fox ran home. The owl flew over the hill."
	out := filepath.Join(dir, "story.mp3")

	var stdout bytes.Buffer
	err := runSynthesize([]string{"-nats", url, "-timeout", "10s", "-class", "premium", "-voice", "v1",
		"-id", "cli-inline", "-file", writeScript(t, dir, text), "-out", out, "-marks"}, &stdout)
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}

	audio, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("read audio: %v", err)
	}
	// chunks are echoed back to back; only inter-chunk spacing may differ
	if strings.ReplaceAll(string(audio), " ", "") != strings.ReplaceAll(text, " ", "") {
		t.Fatalf("unexpected audio %q", audio)
	}
	data, err := os.ReadFile(out + ".marks.json")
	if err != nil {
		t.Fatalf("read marks: %v", err)
	}
	var marks []map[string]any
	if err := json.Unmarshal(data, &marks); err != nil {
		t.Fatalf("decode marks: %v", err)
	}
	if len(marks) != len(strings.Fields(text)) {
		t.Fatalf("expected one mark per word, got %d", len(marks))
	}
	if !strings.HasPrefix(stdout.String(), "cli-inline: 2 chunks") {
		t.Fatalf("unexpected summary %q", stdout.String())
	}
}

func TestRunSynthesizeFetchesFromObjectStore(t *testing.T) {
	url := startNarrator(t, true)
	dir := t.TempDir()
	text := "A single short line."
	out := filepath.Join(dir, "line.mp3")

	var stdout bytes.Buffer
	err := runSynthesize([]string{"-nats", url, "-timeout", "10s", "-class", "economy",
		"-id", "cli-stored", "-file", writeScript(t, dir, text), "-out", out}, &stdout)
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	audio, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("read audio: %v", err)
	}
	if string(audio) != text {
		t.Fatalf("unexpected audio %q", audio)
	}
	if _, err := os.Stat(out + ".marks.json"); !os.IsNotExist(err) {
		t.Fatalf("marks file written without -marks: %v", err)
	}
	if !strings.Contains(stdout.String(), "1 chunks") {
		t.Fatalf("unexpected summary %q", stdout.String())
	}
}

func TestRunSynthesizeReportsUnknownClass(t *testing.T) {
	url := startNarrator(t, false)
	dir := t.TempDir()
	err := runSynthesize([]string{"-nats", url, "-timeout", "10s", "-class", "ghost",
		"-file", writeScript(t, dir, "Hello."), "-out", filepath.Join(dir, "x.mp3")}, &bytes.Buffer{})
	if err == nil || !strings.Contains(err.Error(), "failed") {
		t.Fatalf("expected narration failure, got %v", err)
	}
	if _, statErr := os.Stat(filepath.Join(dir, "x.mp3")); !os.IsNotExist(statErr) {
		t.Fatal("no audio should be written for a failed narration")
	}
}

func TestRunSynthesizeRequiresClass(t *testing.T) {
	if err := runSynthesize([]string{"-file", "-"}, &bytes.Buffer{}); err == nil {
		t.Fatal("expected error without -class")
	}
}

func TestRunStatus(t *testing.T) {
	url := startNarrator(t, false)

	var out bytes.Buffer
	if err := runStatus([]string{"-nats", url, "-timeout", "5s"}, &out); err != nil {
		t.Fatalf("status: %v", err)
	}
	got := out.String()
	if !strings.HasPrefix(got, "CLASS") || !strings.Contains(got, "premium") || !strings.Contains(got, "economy") {
		t.Fatalf("unexpected status table:\n%s", got)
	}

	out.Reset()
	if err := runStatus([]string{"-nats", url, "-timeout", "5s", "-class", "economy"}, &out); err != nil {
		t.Fatalf("status economy: %v", err)
	}
	if strings.Contains(out.String(), "premium") || !strings.Contains(out.String(), "economy") {
		t.Fatalf("class filter ignored:\n%s", out.String())
	}

	if err := runStatus([]string{"-nats", url, "-timeout", "5s", "-class", "ghost"}, &bytes.Buffer{}); err == nil {
		t.Fatal("expected error for unknown class")
	}
}
