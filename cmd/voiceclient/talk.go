package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/DoHungMinh/website-hoc-tieng-anh-sub004/domain"
	"github.com/DoHungMinh/website-hoc-tieng-anh-sub004/internal/capture"
	"github.com/DoHungMinh/website-hoc-tieng-anh-sub004/internal/playback"
	"github.com/DoHungMinh/website-hoc-tieng-anh-sub004/internal/voiceclient"
)

type talkOpts struct {
	url          string
	token        string
	userID       string
	sessionID    string
	input        string
	inputRate    int
	toneDuration time.Duration
	sampleRate   int
	output       string
	replyTimeout time.Duration
	verbose      bool
}

func newTalkCmd() *cobra.Command {
	var opts talkOpts

	cmd := &cobra.Command{
		Use:   "talk",
		Short: "Run one spoken turn against the relay",
		Long: "Opens a session, streams the input in real time, commits it, plays the " +
			"assistant's reply into the output file and ends the session.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTalk(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.url, "url", "ws://localhost:8080/ws", "relay websocket URL")
	cmd.Flags().StringVar(&opts.token, "token", "", "bearer token (see the token command)")
	cmd.Flags().StringVarP(&opts.userID, "user", "u", "u1", "user id")
	cmd.Flags().StringVar(&opts.sessionID, "session", "", "session id (random when empty)")
	cmd.Flags().StringVarP(&opts.input, "input", "i", "", "raw mono s16le input file (a test tone when empty)")
	cmd.Flags().IntVar(&opts.inputRate, "input-rate", capture.DefaultSampleRate, "sample rate of the input file")
	cmd.Flags().DurationVar(&opts.toneDuration, "tone", 2*time.Second, "test tone length when no input is given")
	cmd.Flags().IntVar(&opts.sampleRate, "rate", capture.DefaultSampleRate, "session sample rate")
	cmd.Flags().StringVarP(&opts.output, "output", "o", "reply.raw", "file receiving the assistant audio")
	cmd.Flags().DurationVar(&opts.replyTimeout, "reply-timeout", 30*time.Second, "how long to wait for the reply")
	cmd.Flags().BoolVarP(&opts.verbose, "verbose", "v", false, "log at debug level")
	return cmd
}

func newLogger(verbose bool) (*zap.Logger, error) {
	cfg := zap.NewDevelopmentConfig()
	if !verbose {
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}
	return cfg.Build()
}

func runTalk(cmd *cobra.Command, opts talkOpts) error {
	logger, err := newLogger(opts.verbose)
	if err != nil {
		return err
	}
	defer logger.Sync()

	if opts.sessionID == "" {
		opts.sessionID = uuid.NewString()
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	out, err := os.Create(opts.output)
	if err != nil {
		return fmt.Errorf("failed to create output: %w", err)
	}
	defer out.Close()

	clock := playback.NewWallClock()
	speaker := playback.NewWriterOutput(out, clock, logger)
	defer speaker.Close()
	engine := playback.NewEngine(clock, speaker, opts.sampleRate, logger)

	replied := make(chan string, 1)
	client, err := voiceclient.Dial(ctx, opts.url, logger,
		voiceclient.WithToken(opts.token),
		voiceclient.WithPlayer(engine),
		voiceclient.WithMessageHandler(printer(cmd.OutOrStdout(), replied)),
	)
	if err != nil {
		return err
	}
	defer client.Close()

	if err := client.StartSession(ctx, opts.sessionID, opts.userID); err != nil {
		return fmt.Errorf("failed to start session: %w", err)
	}

	mic := capture.New(newSource(opts), client, capture.Config{SampleRate: opts.sampleRate}, logger)
	if err := mic.Start(ctx); err != nil {
		return err
	}
	select {
	case <-mic.Done():
	case <-ctx.Done():
	}
	if err := mic.Stop(); err != nil {
		return err
	}

	select {
	case <-replied:
	case <-client.Done():
		return fmt.Errorf("%w: relay closed the connection", domain.ErrTransport)
	case <-time.After(opts.replyTimeout):
		logger.Warn("No reply before timeout", zap.Duration("timeout", opts.replyTimeout))
	case <-ctx.Done():
	}

	// let the scheduled reply drain into the output
	for engine.Pending() > 0 && ctx.Err() == nil {
		time.Sleep(50 * time.Millisecond)
	}

	endCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	summary, err := client.EndSession(endCtx)
	if err != nil {
		return fmt.Errorf("failed to end session: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "session %s closed: %.1fs, %d messages, cost $%.6f\n",
		summary.SessionID, summary.TotalDuration, summary.MessageCount, summary.EstimatedCost)
	fmt.Fprintf(cmd.OutOrStdout(), "assistant audio written to %s (ffplay -f s16le -ar %d -ch_layout mono -i %s)\n",
		opts.output, opts.sampleRate, opts.output)
	return nil
}

func newSource(opts talkOpts) capture.Source {
	if opts.input != "" {
		return capture.NewFileSource(opts.input, opts.inputRate, true)
	}
	return &capture.ToneSource{
		Frequency: 440,
		Amplitude: 0.3,
		Rate:      opts.sampleRate,
		Duration:  opts.toneDuration,
		Realtime:  true,
	}
}

// printer writes transcripts and errors to w and signals replied when the
// assistant turn completes.
func printer(w io.Writer, replied chan<- string) func(domain.ServerMessage) {
	return func(msg domain.ServerMessage) {
		switch m := msg.(type) {
		case *domain.TranscriptMessage:
			fmt.Fprintf(w, "[%s] %s\n", m.Role, m.Content)
		case *domain.SpeechStartedMessage:
			fmt.Fprintln(w, "(speech detected)")
		case *domain.ErrorMessage:
			fmt.Fprintf(w, "error: %s (%s)\n", m.Message, m.Code)
		case *domain.ResponseDoneMessage:
			select {
			case replied <- m.Content:
			default:
			}
		}
	}
}
