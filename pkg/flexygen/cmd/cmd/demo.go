// Copyright 2025 The Flexygen Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/Liadrinz/flexygen/pkg/flexygen"
	"github.com/Liadrinz/flexygen/pkg/flexygen/lib/generation"
	"github.com/Liadrinz/flexygen/pkg/flexygen/lib/tokenizers"
	"github.com/Liadrinz/flexygen/pkg/flexygen/lib/toymodel"
)

var demoCmd = &cobra.Command{
	Use:   "demo",
	Short: "Run a deterministic decode-loop demo",
	Long: `Run the built-in deterministic model under a sentence-level trigger
that splices a citation marker after every sentence ending in a period,
then print the finished rows.`,
	RunE: runDemo,
}

func init() {
	rootCmd.AddCommand(demoCmd)

	demoCmd.Flags().Int("max-new-tokens", 64, "per-row sampled token bound")
	demoCmd.Flags().String("citation", " [1]", "text spliced after each period-terminated sentence")
	demoCmd.Flags().Int("metrics-port", 0, "Prometheus metrics port (0 = disabled)")
	mustBindPFlag("max_new_tokens", demoCmd.Flags().Lookup("max-new-tokens"))
	mustBindPFlag("citation", demoCmd.Flags().Lookup("citation"))
	mustBindPFlag("metrics_port", demoCmd.Flags().Lookup("metrics-port"))
}

func runDemo(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger := newLogger(viper.GetString("log.level"), viper.GetString("log.style"))
	defer func() {
		_ = logger.Sync()
	}()

	if port := viper.GetInt("metrics_port"); port > 0 {
		go serveMetrics(port, logger)
	}

	tok := toymodel.NewRuneTokenizer("abc.xyz! [1]")

	// The toy model walks two chained sentences. After a period it moves to
	// the second sentence; after a spliced citation the closing bracket
	// routes there too, so generation continues past the insertion.
	trans := toymodel.ChainTransitions(tok, "abc.")
	for k, v := range toymodel.ChainTransitions(tok, "xyz!") {
		trans[k] = v
	}
	period := tok.MustEncode(".")[0]
	bracket := tok.MustEncode("]")[0]
	second := tok.MustEncode("x")[0]
	trans[period] = second
	trans[bracket] = second
	model := toymodel.NewModel(tok.VocabSize(), trans, tok.EOSID())

	ctrl := generation.NewSentenceController(model, tok,
		generation.WithMaxNewTokens(viper.GetInt("max_new_tokens")),
		generation.WithEOSTokenID(tok.EOSID()),
		generation.WithPadTokenID(tok.PadID()),
		generation.WithLogger(logger))

	citation := viper.GetString("citation")
	err := ctrl.Register("citation", func(state *generation.SentenceLevelGenerationState) (generation.Splices, error) {
		splices := generation.Splices{}
		for row, end := range state.EndOfSentence {
			if !end {
				continue
			}
			sentence := tok.Decode(tokenizers.Int32ToInt(state.SentenceTokens[row]))
			if strings.HasSuffix(sentence, ".") {
				splices[row] = citation
			}
		}
		return splices, nil
	})
	if err != nil {
		return err
	}

	session := flexygen.NewSentenceSession("demo", ctrl, tok,
		flexygen.RunGateConfig{MaxConcurrentRuns: 1}, logger)

	res, err := session.Generate(ctx, []string{"a", "x"})
	if err != nil {
		return err
	}

	for i, row := range res.Rows {
		fmt.Printf("row %d (%s, %d sampled, %d spliced): %q\n",
			i, row.FinishReason, row.SampledTokens, row.SplicedTokens, row.Text)
	}
	logger.Info("Demo finished",
		zap.Int("steps", res.Steps),
		zap.Int("splices", res.SplicesApplied))
	return nil
}

func serveMetrics(port int, logger *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	addr := fmt.Sprintf(":%d", port)
	logger.Info("Metrics server listening", zap.String("addr", addr))
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error("Metrics server stopped", zap.Error(err))
	}
}
