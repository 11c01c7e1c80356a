// Command crewforge is the reference CLI. Its one subcommand, create-flow,
// scaffolds a starter crew definition file.
//
//	crewforge create-flow <Name> [--description <text>] [--directory <path>]
//
// Exit codes: 0 on success, non-zero on any pre-condition failure (target
// exists, bad arguments).
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/template"
)

const flowTemplate = `# {{.Name}} crew definition.
# {{.Description}}
name: {{.Snake}}
process: sequential

agents:
  - id: researcher
    role: "Researcher"
    goal: "Gather the facts {{.Name}} needs"
    memory: true
  - id: writer
    role: "Writer"
    goal: "Turn research into a polished result"

tasks:
  - id: research
    description: "Research the topic"
    agent: researcher
    priority: high
  - id: write
    description: "Write the final result"
    agent: writer
    depends_on: [research]
`

type flowVars struct {
	Name        string
	Snake       string
	Description string
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	switch os.Args[1] {
	case "create-flow":
		os.Exit(createFlow(os.Args[2:]))
	case "-h", "--help", "help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", os.Args[1])
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage:
  crewforge create-flow <Name> [--description <text>] [--directory <path>]`)
}

func createFlow(args []string) int {
	fs := flag.NewFlagSet("create-flow", flag.ContinueOnError)
	description := fs.String("description", "A crewforge crew.", "one-line description placed in the scaffold")
	directory := fs.String("directory", ".", "directory the scaffold file is written into")

	if len(args) == 0 || strings.HasPrefix(args[0], "-") {
		fmt.Fprintln(os.Stderr, "create-flow requires a flow name")
		return 2
	}
	name := args[0]
	if err := fs.Parse(args[1:]); err != nil {
		return 2
	}

	snake := toSnake(name)
	target := filepath.Join(*directory, snake+".yaml")
	if _, err := os.Stat(target); err == nil {
		fmt.Fprintf(os.Stderr, "refusing to overwrite existing file %s\n", target)
		return 1
	}
	if info, err := os.Stat(*directory); err != nil || !info.IsDir() {
		fmt.Fprintf(os.Stderr, "directory %s does not exist\n", *directory)
		return 1
	}

	tmpl, err := template.New("flow").Parse(flowTemplate)
	if err != nil {
		fmt.Fprintf(os.Stderr, "internal template error: %v\n", err)
		return 1
	}
	file, err := os.Create(target)
	if err != nil {
		fmt.Fprintf(os.Stderr, "create %s: %v\n", target, err)
		return 1
	}
	defer file.Close()

	if err := tmpl.Execute(file, flowVars{Name: name, Snake: snake, Description: *description}); err != nil {
		fmt.Fprintf(os.Stderr, "render scaffold: %v\n", err)
		return 1
	}
	fmt.Printf("created %s\n", target)
	return 0
}

// toSnake converts a CamelCase or space-separated name to snake_case.
func toSnake(name string) string {
	var sb strings.Builder
	for i, r := range name {
		switch {
		case r == ' ' || r == '-':
			sb.WriteByte('_')
		case r >= 'A' && r <= 'Z':
			if i > 0 && name[i-1] != ' ' && name[i-1] != '-' && name[i-1] != '_' {
				sb.WriteByte('_')
			}
			sb.WriteRune(r + ('a' - 'A'))
		default:
			sb.WriteRune(r)
		}
	}
	return strings.Trim(sb.String(), "_")
}
