package research

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"luxmap/internal/app"
	"luxmap/internal/utils"
	"luxmap/pkg/agents"
	"luxmap/pkg/config"
	"luxmap/pkg/events"
	"luxmap/pkg/research"
)

// ResearchCmd represents the interactive research command
var ResearchCmd = &cobra.Command{
	Use:   "research [request]",
	Short: "Plan and research a trip interactively",
	Long: `Start an interactive session in the terminal. Describe a destination or a
travel question, refine the proposed plan, then approve it to run the research
pipeline and print the cited report.

Examples:
  luxmap research                                  # Start with an empty prompt
  luxmap research "Four days in Kyoto in November" # Start with a first request
  luxmap research --plain --output kyoto.md        # Plain output, save the report`,
	RunE: runResearch,
}

func init() {
	ResearchCmd.Flags().Bool("plain", false, "print Markdown without terminal rendering")
	ResearchCmd.Flags().StringP("output", "o", "", "write the final report to this file")

	_ = viper.BindPFlag("research_plain", ResearchCmd.Flags().Lookup("plain"))
	_ = viper.BindPFlag("research_output", ResearchCmd.Flags().Lookup("output"))
}

// Console runs planner turns for lines read from the terminal.
type Console struct {
	Agent      agents.Agent
	Logger     utils.ExtendedLogger
	Renderer   *glamour.TermRenderer // nil prints raw Markdown
	Out        io.Writer
	Progress   io.Writer
	OutputPath string

	session *agents.Session
}

// Session returns the conversation, creating it on first use.
func (c *Console) Session() *agents.Session {
	if c.session == nil {
		c.session = agents.NewSession("cli-" + uuid.NewString())
	}
	return c.session
}

// progress prints a short line per pipeline step.
func (c *Console) progress(_ context.Context, e *events.AgentEvent) {
	if c.Progress == nil {
		return
	}
	switch data := e.Data.(type) {
	case *events.AgentStartEvent:
		fmt.Fprintf(c.Progress, "⏳ %s\n", data.AgentName)
	case *events.LoopIterationEvent:
		fmt.Fprintf(c.Progress, "🔁 refinement round %d/%d\n", data.Iteration, data.MaxIterations)
	case *events.SourcesCollectedEvent:
		fmt.Fprintf(c.Progress, "🔗 %d new sources (%d total)\n", data.NewSources, data.TotalSources)
	case *events.AgentErrorEvent:
		fmt.Fprintf(c.Progress, "❌ %s: %s\n", data.AgentName, data.Error)
	}
}

// Turn runs one user message and prints the plan or the report it produced.
func (c *Console) Turn(ctx context.Context, message string) error {
	runner := agents.NewRunner(c.Agent, events.EmitterFunc(c.progress), c.Logger)
	if _, err := runner.Run(ctx, c.Session(), message); err != nil {
		return err
	}

	turn := research.LastTurn(c.Session().State)
	if turn.Action == research.ActionExecute && turn.Report != "" {
		c.print(turn.Report)
		if c.OutputPath != "" {
			if err := os.WriteFile(c.OutputPath, []byte(turn.Report+"\n"), 0o644); err != nil {
				return fmt.Errorf("write report: %w", err)
			}
			fmt.Fprintf(c.Out, "💾 Report saved to %s\n", c.OutputPath)
		}
		return nil
	}

	c.print("## Proposed research plan\n\n" + turn.Plan)
	fmt.Fprintln(c.Out, "Reply with changes, or approve the plan to start the research.")
	return nil
}

func (c *Console) print(markdown string) {
	if c.Renderer != nil {
		if rendered, err := c.Renderer.Render(markdown); err == nil {
			fmt.Fprint(c.Out, rendered)
			return
		}
	}
	fmt.Fprintln(c.Out, markdown)
}

// Loop reads lines from in until EOF, "exit" or "quit". A failed turn is
// reported and the loop continues.
func (c *Console) Loop(ctx context.Context, in io.Reader, first string) error {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	message := strings.TrimSpace(first)
	for {
		if message == "" {
			fmt.Fprint(c.Out, "\n🧳 > ")
			if !scanner.Scan() {
				return scanner.Err()
			}
			message = strings.TrimSpace(scanner.Text())
			if message == "" {
				continue
			}
		}

		switch strings.ToLower(message) {
		case "exit", "quit":
			fmt.Fprintln(c.Out, "👋 Bye")
			return nil
		}

		if err := c.Turn(ctx, message); err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			c.Logger.Errorf("❌ Turn failed: %v", err)
			fmt.Fprintf(c.Out, "❌ %v\n", err)
		}
		message = ""
	}
}

func runResearch(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()

	a, err := app.New(ctx, viper.GetViper(), app.Options{Stdout: false, ResolveProject: config.DefaultCredentialsProject})
	if err != nil {
		return err
	}
	defer a.Close()

	console := &Console{
		Agent:      a.Planner,
		Logger:     a.Logger,
		Out:        os.Stdout,
		Progress:   os.Stderr,
		OutputPath: viper.GetString("research_output"),
	}
	if !viper.GetBool("research_plain") {
		renderer, err := glamour.NewTermRenderer(
			glamour.WithAutoStyle(),
			glamour.WithWordWrap(100),
		)
		if err != nil {
			a.Logger.Warnf("⚠️ Falling back to plain output: %v", err)
		} else {
			console.Renderer = renderer
		}
	}

	fmt.Fprintln(os.Stdout, "LuxMap travel research. Describe your trip; type \"exit\" to quit.")
	err = console.Loop(ctx, os.Stdin, strings.Join(args, " "))
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
