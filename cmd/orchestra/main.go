// Command orchestra lints and inspects workflow and task type documents
// before they are deployed to an engine.
package main

import (
	"fmt"
	"os"

	"github.com/alecthomas/kong"

	"github.com/goliatone/go-orchestra/machine"
	"github.com/goliatone/go-orchestra/registry"
)

var cli struct {
	Validate ValidateCmd `cmd:"" help:"Validate workflow or task type documents."`
	Inspect  InspectCmd  `cmd:"" help:"Summarize a workflow document."`
}

// ValidateCmd compiles each document and reports the first error.
type ValidateCmd struct {
	Kind  string   `help:"Document kind." enum:"workflow,task" default:"workflow"`
	Paths []string `arg:"" type:"existingfile" help:"Documents to validate."`
}

func (c *ValidateCmd) Run() error {
	for _, path := range c.Paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		switch c.Kind {
		case "task":
			if _, err := registry.ParseDocument(data); err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}
		default:
			if _, err := machine.LoadDefinition(data); err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}
		}
		fmt.Printf("%s: ok\n", path)
	}
	return nil
}

// InspectCmd prints the compiled shape of a workflow document.
type InspectCmd struct {
	Path string `arg:"" type:"existingfile" help:"Workflow document."`
}

func (c *InspectCmd) Run() error {
	data, err := os.ReadFile(c.Path)
	if err != nil {
		return err
	}
	def, err := machine.LoadDefinition(data)
	if err != nil {
		return fmt.Errorf("%s: %w", c.Path, err)
	}
	fmt.Println(machine.Describe(def))
	for _, path := range def.Paths() {
		fmt.Printf("  %s\n", path)
	}
	return nil
}

func main() {
	ctx := kong.Parse(&cli,
		kong.Name("orchestra"),
		kong.Description("Workflow engine document toolkit."),
		kong.UsageOnError(),
	)
	ctx.FatalIfErrorf(ctx.Run())
}
