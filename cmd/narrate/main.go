package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"text/tabwriter"
	"time"
	"unicode/utf8"

	"github.com/loqalabs/loqa-narrator/internal/artifacts"
	"github.com/loqalabs/loqa-narrator/internal/bus"
	"github.com/loqalabs/loqa-narrator/internal/chunker"
	"github.com/loqalabs/loqa-narrator/internal/config"
	"github.com/loqalabs/loqa-narrator/internal/protocol"
)

var version = "0.1.0-dev"

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "expected 'synthesize', 'status', 'split' or 'version'")
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "synthesize":
		err = runSynthesize(os.Args[2:], os.Stdout)
	case "status":
		err = runStatus(os.Args[2:], os.Stdout)
	case "split":
		err = runSplit(os.Args[2:], os.Stdout)
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", os.Args[1])
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type busFlags struct {
	servers string
	timeout time.Duration
}

func (b *busFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&b.servers, "nats", "nats://localhost:4222", "Comma-separated NATS server URLs")
	fs.DurationVar(&b.timeout, "timeout", 5*time.Minute, "Request timeout")
}

func (b *busFlags) connect(ctx context.Context) (*bus.Client, error) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return bus.Connect(ctx, config.BusConfig{
		Servers:        strings.Split(b.servers, ","),
		ConnectTimeout: 2000,
	}, logger)
}

func runSynthesize(args []string, w io.Writer) error {
	fs := flag.NewFlagSet("synthesize", flag.ExitOnError)
	var (
		bf        busFlags
		class     string
		voice     string
		file      string
		out       string
		marks     bool
		requestID string
	)
	bf.register(fs)
	fs.StringVar(&class, "class", "", "Voice class")
	fs.StringVar(&voice, "voice", "", "Voice ID")
	fs.StringVar(&file, "file", "-", "Text file to narrate, - for stdin")
	fs.StringVar(&out, "out", "", "Output audio path (default <request_id>.<format>)")
	fs.BoolVar(&marks, "marks", false, "Request timing marks and write them next to the audio")
	fs.StringVar(&requestID, "id", "", "Request ID (generated when empty)")
	fs.Parse(args)

	if class == "" {
		return errors.New("-class is required")
	}
	text, err := readText(file)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), bf.timeout)
	defer cancel()
	client, err := bf.connect(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	var reply protocol.SynthesizeReply
	err = client.Request(ctx, protocol.SubjectSynthesize, protocol.SynthesizeRequest{
		RequestID:        requestID,
		Text:             text,
		VoiceID:          voice,
		VoiceClass:       class,
		WantsTimingMarks: marks,
	}, &reply)
	if err != nil {
		return err
	}
	if !reply.OK {
		return fmt.Errorf("narration %s failed (%s): %s", reply.RequestID, reply.ErrorKind, reply.Error)
	}

	art := reply.Artifact
	if art == nil {
		return fmt.Errorf("narration %s: reply carried no artifact", reply.RequestID)
	}
	audio := art.Audio
	if len(audio) == 0 && art.Object != "" {
		obs, err := client.ObjectStore(art.Bucket)
		if err != nil {
			return err
		}
		audio, _, err = artifacts.Fetch(ctx, obs, art.Object)
		if err != nil {
			return err
		}
	}
	if out == "" {
		out = artifacts.ObjectName(reply.RequestID, art.Format)
	}
	if err := os.WriteFile(out, audio, 0o644); err != nil {
		return fmt.Errorf("write audio: %w", err)
	}
	if marks {
		data, err := json.MarshalIndent(art.Marks, "", "  ")
		if err != nil {
			return err
		}
		if err := os.WriteFile(out+".marks.json", data, 0o644); err != nil {
			return fmt.Errorf("write marks: %w", err)
		}
	}
	fmt.Fprintf(w, "%s: %d chunks, %.1fs, %d bytes -> %s\n", reply.RequestID, art.ChunkCount, art.DurationSeconds, len(audio), out)
	return nil
}

func runStatus(args []string, w io.Writer) error {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	var (
		bf    busFlags
		class string
	)
	bf.register(fs)
	fs.StringVar(&class, "class", "", "Voice class (all when empty)")
	fs.Parse(args)

	ctx, cancel := context.WithTimeout(context.Background(), bf.timeout)
	defer cancel()
	client, err := bf.connect(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	var reply protocol.StatusReply
	if err := client.Request(ctx, protocol.SubjectStatus, protocol.StatusRequest{VoiceClass: class}, &reply); err != nil {
		return err
	}
	if reply.Error != "" {
		return fmt.Errorf("status (%s): %s", reply.ErrorKind, reply.Error)
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CLASS\tLOAD\tCEILING\tQUEUED\tIN FLIGHT\tADMITTED\tMAX CHARS")
	for _, c := range reply.Classes {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\t%d\t%d\n", c.Class, c.CurrentLoad, c.Ceiling, c.QueueDepth, c.InFlight, c.Admitted, c.MaxCharsPerRequest)
	}
	return tw.Flush()
}

func runSplit(args []string, w io.Writer) error {
	fs := flag.NewFlagSet("split", flag.ExitOnError)
	var (
		maxChars int
		file     string
	)
	fs.IntVar(&maxChars, "max", 3000, "Maximum characters per chunk")
	fs.StringVar(&file, "file", "-", "Text file to split, - for stdin")
	fs.Parse(args)

	text, err := readText(file)
	if err != nil {
		return err
	}
	report := chunker.SplitWithReport(text, maxChars)
	for i, c := range report.Chunks {
		fmt.Fprintf(w, "--- chunk %d (%d chars)\n%s\n", i, utf8.RuneCountInString(c), c)
	}
	fmt.Fprintf(w, "--- %d chunks, %d oversized sentences, %d hard cuts\n", len(report.Chunks), report.OversizedSentences, report.HardCuts)
	return nil
}

func readText(path string) (string, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return "", fmt.Errorf("read text: %w", err)
	}
	return string(data), nil
}
