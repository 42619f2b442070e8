// main.go - CLI entry point
//
// Thin cobra wrapper over the session package. Exit codes:
// 0 success, 2 usage error, 3 model load error, 4 generation error.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	sm "github.com/justinamiller/smallmind"
	"github.com/justinamiller/smallmind/envconfig"
	"github.com/justinamiller/smallmind/internal/kernel"
	"github.com/justinamiller/smallmind/model"
	"github.com/justinamiller/smallmind/session"
)

const (
	exitUsage      = 2
	exitModelLoad  = 3
	exitGeneration = 4
)

type generateFlags struct {
	maxTokens    int
	temperature  float32
	topP         float32
	topK         int
	minP         float32
	seed         int64
	chatTemplate string
	stream       bool
}

func main() {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: envconfig.LogLevel(),
	})))
	kernel.NumThreads = envconfig.NumThreads

	root := &cobra.Command{
		Use:           "smallmind",
		Short:         "Local CPU inference for GGUF language models",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(generateCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(exitUsage)
	}
}

func generateCmd() *cobra.Command {
	var flags generateFlags

	cmd := &cobra.Command{
		Use:   "generate MODEL PROMPT",
		Short: "Generate text from a prompt",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			runGenerate(cmd.Context(), args[0], args[1], flags)
			return nil
		},
	}

	f := cmd.Flags()
	f.IntVar(&flags.maxTokens, "max-tokens", 256, "maximum number of tokens to generate")
	f.Float32Var(&flags.temperature, "temperature", 0.8, "sampling temperature (<= 0 is greedy)")
	f.Float32Var(&flags.topP, "top-p", 0.9, "nucleus sampling cutoff")
	f.IntVar(&flags.topK, "top-k", 40, "top-k filter (0 disables)")
	f.Float32Var(&flags.minP, "min-p", 0, "min-p filter relative to the best token")
	f.Int64Var(&flags.seed, "seed", -1, "RNG seed (-1 draws from the OS)")
	f.StringVar(&flags.chatTemplate, "chat-template", "", "chat template kind: chatml|llama2|llama3|mistral|phi|auto")
	f.BoolVar(&flags.stream, "stream", true, "print tokens as they are produced")

	return cmd
}

func runGenerate(ctx context.Context, modelPath, prompt string, flags generateFlags) {
	m, err := model.Load(modelPath, model.LoadOptions{MMap: envconfig.MMap()})
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(exitModelLoad)
	}

	opts := session.GenerationOptions{
		MaxNewTokens: flags.maxTokens,
		Temperature:  flags.temperature,
		TopP:         flags.topP,
		TopK:         flags.topK,
		MinP:         flags.minP,
		ChatTemplate: flags.chatTemplate,
	}
	if flags.seed >= 0 {
		seed := uint64(flags.seed)
		opts.Seed = &seed
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	s := session.New(m)
	if slots := envconfig.PrefixSlots(); slots > 0 {
		s.SetPrefixStore(session.NewPrefixStore(int(slots)))
	}

	if flags.stream {
		stream, err := s.GenerateStream(ctx, prompt, opts)
		if err != nil {
			fmt.Fprintln(os.Stderr, "Error:", err)
			os.Exit(exitGeneration)
		}
		for {
			tok, ok := stream.Next()
			if !ok {
				break
			}
			fmt.Print(tok.Text)
			if tok.IsFinal {
				fmt.Println()
				slog.Debug("generation finished", "reason", tok.Reason)
				break
			}
		}
		if err := stream.Err(); err != nil {
			fmt.Fprintln(os.Stderr, "Error:", err)
			os.Exit(exitGeneration)
		}
		if stream.Reason() == sm.FinishCancelled {
			os.Exit(exitGeneration)
		}
		return
	}

	r := s.Generate(ctx, prompt, opts)
	if r.Err != nil {
		var engineErr *sm.Error
		if errors.As(r.Err, &engineErr) && engineErr.Kind == sm.KindInvalidArgument {
			fmt.Fprintln(os.Stderr, "Error:", r.Err)
			os.Exit(exitUsage)
		}
		fmt.Fprintln(os.Stderr, "Error:", r.Err)
		os.Exit(exitGeneration)
	}
	fmt.Println(r.Text)
	slog.Debug("generation finished", "reason", r.Reason, "tokens", len(r.Tokens))
}
