package cdcnorm

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"

	"github.com/edgeflare/cdcnorm/pkg/normalize"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const maxRecordSize = 16 << 20

func newNormalizeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "normalize [file...]",
		Short: "Normalize newline-delimited change stream records",
		Long: `Read one JSON change stream record per line from the given files (or stdin)
and write one normalized event per line to stdout. Records that cannot be
normalized are logged and skipped.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			spec, err := loadMapping(a.cfg.Mapping, a.logger)
			if err != nil {
				return err
			}
			n := normalize.New(spec)

			if len(args) == 0 {
				return a.normalizeStream(n, cmd.InOrStdin(), cmd.OutOrStdout(), "stdin")
			}
			for _, name := range args {
				f, err := os.Open(name)
				if err != nil {
					return err
				}
				err = a.normalizeStream(n, f, cmd.OutOrStdout(), name)
				f.Close()
				if err != nil {
					return err
				}
			}
			return nil
		},
	}
}

func (a *app) normalizeStream(n *normalize.Normalizer, r io.Reader, w io.Writer, name string) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxRecordSize)
	out := bufio.NewWriter(w)

	line := 0
	for scanner.Scan() {
		line++
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}

		res := n.Normalize(raw)
		if res.Dropped() {
			a.logger.Warn("Record dropped",
				zap.String("input", name),
				zap.Int("line", line),
				zap.Stringer("reason", res.Outcome))
			continue
		}

		out.Write(res.Data)
		if err := out.WriteByte('\n'); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading %s: %w", name, err)
	}
	return out.Flush()
}
