package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/claudecontrol/claude-control/internal/store"
	"github.com/claudecontrol/claude-control/internal/tape"
)

var tapesCmd = &cobra.Command{
	Use:   "tapes",
	Short: "Inspect and maintain tape files",
}

var tapesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tapes under the tapes directory",
	RunE: func(cmd *cobra.Command, args []string) error {
		st := store.New(tapesDir)
		if err := st.LoadAll(); err != nil {
			return err
		}
		for _, d := range st.Diagnostics() {
			fmt.Fprintf(os.Stderr, "warning: %s: %v\n", d.Path, d.Err)
		}

		paths := st.Paths()
		if len(paths) == 0 {
			fmt.Println("No tapes found")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "PATH\tEXCHANGES\tSIZE\tAGE\tTAG")
		for _, rel := range paths {
			tp, _ := st.Tape(rel)
			var size string
			if info, err := os.Stat(filepath.Join(tapesDir, rel)); err == nil {
				size = humanize.Bytes(uint64(info.Size()))
			}
			age := "-"
			if created, err := time.Parse(time.RFC3339, tp.Meta.CreatedAt); err == nil {
				age = humanize.Time(created)
			}
			tag := tp.Meta.Tag
			if tag == "" {
				tag = "-"
			}
			fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\n", rel, len(tp.Exchanges), size, age, tag)
		}
		return w.Flush()
	},
}

var strictFlag bool

var tapesValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate every tape against the schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		st := store.New(tapesDir)
		diags := st.Validate(strictFlag)
		if len(diags) == 0 {
			fmt.Println("All tapes valid")
			return nil
		}
		for _, d := range diags {
			fmt.Fprintf(os.Stderr, "%s: %v\n", d.Path, d.Err)
		}
		return &tape.SchemaError{Reason: fmt.Sprintf("%d tape(s) failed validation", len(diags))}
	},
}

var redactWrite bool

var tapesRedactCmd = &cobra.Command{
	Use:   "redact",
	Short: "Mask secret-shaped content in stored tapes",
	Long: `Redact scans every exchange's input and output for secret-shaped
substrings (passwords, tokens, API keys, AWS access keys) and masks
them. Without --write it only reports which tapes would change.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		st := store.New(tapesDir)
		if err := st.LoadAll(); err != nil {
			return err
		}
		results, err := st.RedactAll(redactWrite)
		if err != nil {
			return err
		}
		var changed int
		for _, r := range results {
			if !r.Changed {
				continue
			}
			changed++
			if redactWrite {
				fmt.Printf("redacted %s\n", r.Path)
			} else {
				fmt.Printf("would redact %s\n", r.Path)
			}
		}
		if changed == 0 {
			fmt.Println("No secrets found")
		}
		return nil
	},
}

var tapesDiffCmd = &cobra.Command{
	Use:   "diff <a.json5> <b.json5>",
	Short: "Structurally compare two tape files",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := readTapeFile(args[0])
		if err != nil {
			return err
		}
		b, err := readTapeFile(args[1])
		if err != nil {
			return err
		}
		diffs := diffTapes(a, b)
		if len(diffs) == 0 {
			fmt.Println("Tapes are identical")
			return nil
		}
		for _, d := range diffs {
			fmt.Println(d)
		}
		return fmt.Errorf("tapes differ in %d place(s)", len(diffs))
	},
}

func readTapeFile(path string) (*tape.Tape, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &store.IOError{Path: path, Op: "read", Err: err}
	}
	return tape.Decode(data)
}

// diffTapes reports the structural differences between two tapes,
// relying on the codec's stable field semantics.
func diffTapes(a, b *tape.Tape) []string {
	var diffs []string
	add := func(format string, args ...any) {
		diffs = append(diffs, fmt.Sprintf(format, args...))
	}

	if a.Meta.Program != b.Meta.Program {
		add("meta.program: %q vs %q", a.Meta.Program, b.Meta.Program)
	}
	if fmt.Sprint(a.Meta.Args) != fmt.Sprint(b.Meta.Args) {
		add("meta.args: %v vs %v", a.Meta.Args, b.Meta.Args)
	}
	if a.Meta.Cwd != b.Meta.Cwd {
		add("meta.cwd: %q vs %q", a.Meta.Cwd, b.Meta.Cwd)
	}
	if a.Meta.Tag != b.Meta.Tag {
		add("meta.tag: %q vs %q", a.Meta.Tag, b.Meta.Tag)
	}
	if len(a.Exchanges) != len(b.Exchanges) {
		add("exchange count: %d vs %d", len(a.Exchanges), len(b.Exchanges))
	}
	n := min(len(a.Exchanges), len(b.Exchanges))
	for i := 0; i < n; i++ {
		ea, eb := &a.Exchanges[i], &b.Exchanges[i]
		if ea.Input.Kind != eb.Input.Kind ||
			ea.Input.Text != eb.Input.Text ||
			string(ea.Input.Data) != string(eb.Input.Data) {
			add("exchanges[%d].input: %q vs %q", i, string(ea.Input.Bytes()), string(eb.Input.Bytes()))
		}
		if ea.Pre.Prompt != eb.Pre.Prompt {
			add("exchanges[%d].pre.prompt: %q vs %q", i, ea.Pre.Prompt, eb.Pre.Prompt)
		}
		if string(ea.OutputBytes()) != string(eb.OutputBytes()) {
			add("exchanges[%d].output: %d bytes vs %d bytes", i, len(ea.OutputBytes()), len(eb.OutputBytes()))
		}
		switch {
		case (ea.Exit == nil) != (eb.Exit == nil):
			add("exchanges[%d].exit: presence differs", i)
		case ea.Exit != nil && ea.Exit.Code != eb.Exit.Code:
			add("exchanges[%d].exit.code: %d vs %d", i, ea.Exit.Code, eb.Exit.Code)
		}
	}
	return diffs
}

func init() {
	tapesRedactCmd.Flags().BoolVar(&redactWrite, "write", false, "rewrite modified tapes in place")
	tapesCmd.AddCommand(tapesListCmd, tapesValidateCmd, tapesRedactCmd, tapesDiffCmd)
	rootCmd.AddCommand(tapesCmd)
}
