package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"appforge/internal/embed"
	"appforge/internal/generate"
	"appforge/internal/llm"
	"appforge/internal/publish"
	"appforge/internal/stackplan"
	"appforge/internal/templateindex"
	"appforge/internal/types"
	"appforge/internal/validate"
	"appforge/internal/workflow"
)

func main() {
	_ = godotenv.Load()
	if len(os.Args) < 2 {
		usage()
	}
	switch os.Args[1] {
	case "run":
		runCmd(os.Args[2:])
	case "ingest":
		ingestCmd(os.Args[2:])
	default:
		usage()
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: forge run -desc <description> [-out dir] [-model id]")
	fmt.Fprintln(os.Stderr, "       forge ingest -repo <owner/name> [-desc text] [-backend ...] [-frontend ...] [-database ...] [-styling ...]")
	os.Exit(2)
}

// runCmd drives one generation end to end and writes the accepted files to
// the output directory.
func runCmd(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	desc := fs.String("desc", "", "natural-language app description")
	outDir := fs.String("out", "out", "output directory")
	model := fs.String("model", "gemini-2.0-flash", "Gemini model id")
	budget := fs.Int("budget", 5, "max repair iterations")
	backend := fs.String("backend", "", "backend hint")
	frontend := fs.String("frontend", "", "frontend hint")
	database := fs.String("database", "", "database hint")
	styling := fs.String("styling", "", "styling hint")
	_ = fs.Parse(args)
	if *desc == "" {
		log.Fatal("-desc is required")
	}

	ctx := context.Background()
	cli := newClient(ctx, *model)
	defer cli.Close()
	embedder := newEmbedder(ctx)

	index := newIndex(ctx)
	engine := workflow.New(index, embedder, stackplan.New(embedder, cli), generate.New(cli), validate.New(), nil, workflow.NewRunStore())
	engine.RetryBudget = *budget

	hints := map[string]string{}
	for facet, v := range map[string]*string{
		types.FacetBackend:  backend,
		types.FacetFrontend: frontend,
		types.FacetDatabase: database,
		types.FacetStyling:  styling,
	} {
		if *v != "" {
			hints[facet] = *v
		}
	}

	intent := types.Intent{
		Description: *desc,
		StackHints:  hints,
		UserID:      "forge-cli",
		Tier:        types.TierPro,
		CreatedAt:   time.Now().UTC(),
	}
	runID, err := engine.StartRun(ctx, intent)
	if err != nil {
		log.Fatal(err)
	}

	events, stop, err := engine.Subscribe(runID)
	if err != nil {
		log.Fatal(err)
	}
	defer stop()
	for ev := range events {
		log.Printf("run %s: %s (iteration %d)", runID, ev.State, ev.Iteration)
		if ev.State.Terminal() {
			break
		}
	}

	run, err := engine.Result(runID)
	if err != nil {
		log.Fatal(err)
	}
	if run.State != types.StateAccepted {
		log.Fatalf("run aborted: %s: %s", run.Reason, run.Detail)
	}

	for _, f := range run.Files {
		dst := filepath.Join(*outDir, filepath.FromSlash(f.Path))
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			log.Fatal(err)
		}
		if err := os.WriteFile(dst, []byte(f.Content), 0o644); err != nil {
			log.Fatal(err)
		}
	}
	log.Printf("wrote %d files to %s (stack: %s + %s)", len(run.Files), *outDir, run.Plan.Backend, run.Plan.Frontend)
}

// ingestCmd fetches an approved repository, embeds its description and
// stores it in the template index.
func ingestCmd(args []string) {
	fs := flag.NewFlagSet("ingest", flag.ExitOnError)
	repo := fs.String("repo", "", "github repository as owner/name")
	desc := fs.String("desc", "", "template description (defaults to the README head)")
	backend := fs.String("backend", "", "backend tag")
	frontend := fs.String("frontend", "", "frontend tag")
	database := fs.String("database", "", "database tag")
	styling := fs.String("styling", "", "styling tag")
	maxFiles := fs.Int("max-files", 40, "max files to fetch")
	_ = fs.Parse(args)
	if *repo == "" || !strings.Contains(*repo, "/") {
		log.Fatal("-repo owner/name is required")
	}
	owner, name, _ := strings.Cut(*repo, "/")

	ctx := context.Background()
	gh, err := publish.NewGitHub("", owner)
	if err != nil {
		log.Fatal(err)
	}
	fetched, err := gh.FetchRepo(ctx, owner, name, *maxFiles)
	if err != nil {
		log.Fatal(err)
	}

	files := make(map[string]string, len(fetched))
	manifest := make([]string, 0, len(fetched))
	for _, f := range fetched {
		files[f.Path] = f.Content
		manifest = append(manifest, f.Path)
	}
	if *desc == "" {
		*desc = readmeHead(files)
	}
	if *desc == "" {
		log.Fatal("-desc is required when the repository has no README")
	}

	tags := map[string]string{}
	for facet, v := range map[string]*string{
		types.FacetBackend:  backend,
		types.FacetFrontend: frontend,
		types.FacetDatabase: database,
		types.FacetStyling:  styling,
	} {
		if *v != "" {
			tags[facet] = *v
		}
	}

	embedder := newEmbedder(ctx)
	vec, err := embedder.Embed(ctx, *desc)
	if err != nil {
		log.Fatal(err)
	}

	index := newIndex(ctx)
	rec := types.TemplateRecord{
		ID:          uuid.NewString(),
		Embedding:   vec,
		Description: *desc,
		StackTags:   tags,
		Manifest:    manifest,
		Files:       files,
		SourceURL:   "https://github.com/" + *repo,
		ApprovedAt:  time.Now().UTC(),
	}
	if err := index.Ingest(ctx, rec); err != nil {
		log.Fatal(err)
	}
	log.Printf("ingested %s as template %s (%d files)", *repo, rec.ID, len(files))
}

func readmeHead(files map[string]string) string {
	for _, name := range []string{"README.md", "readme.md", "README.txt"} {
		content, ok := files[name]
		if !ok {
			continue
		}
		lines := strings.SplitN(content, "\n", 12)
		if len(lines) > 10 {
			lines = lines[:10]
		}
		return strings.TrimSpace(strings.Join(lines, "\n"))
	}
	return ""
}

func newClient(ctx context.Context, model string) llm.Client {
	if os.Getenv("GEMINI_API_KEY") != "" {
		cli, err := llm.NewGeminiClient(ctx, model)
		if err == nil {
			return cli
		}
		log.Printf("gemini unavailable: %v", err)
	}
	if os.Getenv("GROQ_API_KEY") != "" {
		cli, err := llm.NewGroqClient("", model)
		if err == nil {
			return cli
		}
		log.Printf("groq unavailable: %v", err)
	}
	log.Printf("no completion provider configured, using the deterministic fake")
	return llm.NewFakeClient()
}

func newEmbedder(ctx context.Context) embed.Embedder {
	if os.Getenv("GEMINI_API_KEY") != "" {
		emb, err := embed.NewGeminiEmbedder(ctx, "")
		if err == nil {
			return emb
		}
		log.Printf("gemini embedder unavailable, hashing instead: %v", err)
	}
	return embed.NewHashEmbedder(0)
}

func newIndex(ctx context.Context) *templateindex.Index {
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		ix, err := templateindex.NewPostgres(ctx, dsn)
		if err == nil {
			return ix
		}
		log.Printf("template index: postgres unavailable, using memory: %v", err)
	}
	return templateindex.New()
}
