// Command scripturectl inspects the listening pipeline offline: provider
// resolution, chunking, book orderings and voice rendering.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/alecthomas/kong"
	"github.com/loqalabs/loqa-scripture/internal/canon"
	"github.com/loqalabs/loqa-scripture/internal/config"
	"github.com/loqalabs/loqa-scripture/internal/scripture"
	"github.com/loqalabs/loqa-scripture/internal/segment"
	"github.com/loqalabs/loqa-scripture/internal/tts"
)

var version = "0.1.0-dev"

var (
	cfg    config.Config
	logger *slog.Logger
	books  = canon.Default()
)

// CLI defines the command-line interface using Kong
var CLI struct {
	Config  string `name:"config" short:"c" help:"Config file (defaults when empty)" type:"path"`
	Verbose bool   `name:"verbose" short:"v" help:"Log provider attempts to stderr"`

	Fetch   FetchCmd   `cmd:"" help:"Resolve a chapter through the provider chain"`
	Chunks  ChunksCmd  `cmd:"" help:"Show how a chapter splits into speech chunks"`
	Books   BooksCmd   `cmd:"" help:"List books in canonical order"`
	Models  ModelsCmd  `cmd:"" help:"List installed and downloadable voice models"`
	Say     SayCmd     `cmd:"" help:"Render one chunk of a chapter to a WAV file"`
	Version VersionCmd `cmd:"" help:"Print version information"`
}

// ChapterArgs names one chapter on the command line
type ChapterArgs struct {
	Book        string `arg:"" required:"" help:"Book name (e.g. Genesis)"`
	Chapter     int    `arg:"" required:"" help:"Chapter number"`
	Translation string `name:"translation" short:"t" default:"KJV" help:"Translation code"`
}

func (a ChapterArgs) resolve(ctx context.Context) (scripture.ResolvedText, error) {
	if err := books.CheckChapter(a.Book, a.Chapter); err != nil {
		return scripture.ResolvedText{}, err
	}
	b, _ := books.Lookup(a.Book)
	client := &http.Client{Timeout: time.Duration(cfg.Providers.TimeoutMS) * time.Millisecond}
	resolver := scripture.FromConfig(cfg.Providers, config.CacheConfig{}, books, client, logger)
	ref := scripture.ChapterRef{Book: b.Name, Chapter: a.Chapter, Translation: strings.ToUpper(a.Translation)}
	return resolver.Resolve(ctx, ref), nil
}

// FetchCmd prints a resolved chapter
type FetchCmd struct {
	ChapterArgs
	Quiet bool `name:"quiet" short:"q" help:"Print only the text"`
}

func (c *FetchCmd) Run() error {
	res, err := c.resolve(context.Background())
	if err != nil {
		return err
	}
	if !c.Quiet {
		provider := res.Provider
		if !res.Available() {
			provider = "none"
		}
		fmt.Printf("%s  provider=%s  length=%d\n\n", res.Ref, provider, len([]rune(res.Text)))
	}
	fmt.Println(res.Text)
	return nil
}

// ChunksCmd prints the speech chunks of a chapter
type ChunksCmd struct {
	ChapterArgs
	Size int `name:"size" short:"s" help:"Sentences per chunk (config default when zero)"`
}

func (c *ChunksCmd) Run() error {
	res, err := c.resolve(context.Background())
	if err != nil {
		return err
	}
	size := c.Size
	if size <= 0 {
		size = cfg.Segmenter.ChunkSize
	}
	chunks := segment.Segment(res.Text, size)
	fmt.Printf("%s: %d chunks of up to %d sentences\n", res.Ref, len(chunks), size)
	for i, chunk := range chunks {
		fmt.Printf("[%d] %s\n", i, chunk)
	}
	return nil
}

// BooksCmd lists the canon
type BooksCmd struct {
	Order string `name:"order" short:"o" default:"christian" enum:"christian,tanakh" help:"Book ordering"`
}

func (c *BooksCmd) Run() error {
	for i, name := range books.Books(canon.ParseOrder(c.Order)) {
		fmt.Printf("%2d  %-16s %3d\n", i+1, name, books.ChapterCount(name))
	}
	return nil
}

// ModelsCmd lists voice models
type ModelsCmd struct {
	Dir string `name:"dir" short:"d" help:"Models directory (config default when empty)" type:"path"`
}

func (c *ModelsCmd) Run() error {
	dir := c.Dir
	if dir == "" {
		dir = cfg.TTS.ModelsDir
	}
	models, err := tts.ListModels(dir)
	if err != nil {
		return fmt.Errorf("list models: %w", err)
	}
	for _, m := range models {
		state := "available"
		if m.Installed {
			state = "installed"
		}
		fmt.Printf("%-16s %-10s %s\n", m.Name, state, m.Size)
	}
	return nil
}

// SayCmd renders a single chunk with the configured voice engine
type SayCmd struct {
	ChapterArgs
	Sentence int     `name:"sentence" default:"0" help:"Chunk index"`
	Model    string  `name:"model" short:"m" help:"Voice model (config default when empty)"`
	Voice    string  `name:"voice" help:"Voice name (config default when empty)"`
	Speed    float64 `name:"speed" help:"Speech rate (config default when zero)"`
	Output   string  `name:"output" short:"o" default:"chunk.wav" help:"WAV file to write, - for stdout" type:"path"`
}

func (c *SayCmd) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.TTS.TimeoutMS)*time.Millisecond)
	defer cancel()

	res, err := c.resolve(ctx)
	if err != nil {
		return err
	}
	text, total, err := segment.Chunk(res.Text, c.Sentence, cfg.Segmenter.ChunkSize)
	if err != nil {
		return err
	}

	model := firstNonEmpty(c.Model, cfg.TTS.DefaultModel)
	engine := tts.NewEngine(tts.NewModelLoader(cfg.TTS, logger), time.Duration(cfg.TTS.TimeoutMS)*time.Millisecond, logger)
	if err := engine.Load(ctx, model); err != nil {
		return fmt.Errorf("load model %s: %w", model, err)
	}
	speed := c.Speed
	if speed <= 0 {
		speed = cfg.TTS.DefaultSpeed
	}
	audio, err := engine.Synthesize(ctx, tts.SynthRequest{
		Text:  text,
		Voice: firstNonEmpty(c.Voice, cfg.TTS.DefaultVoice),
		Speed: speed,
	})
	if err != nil {
		return err
	}
	data, err := tts.EncodeWAV(audio)
	if err != nil {
		return err
	}

	if c.Output == "-" {
		_, err = os.Stdout.Write(data)
		return err
	}
	if err := os.WriteFile(c.Output, data, 0o644); err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "wrote %s: chunk %d/%d, %s of audio\n", c.Output, c.Sentence+1, total, audio.Duration().Round(time.Millisecond))
	return nil
}

// VersionCmd prints version information
type VersionCmd struct{}

func (v *VersionCmd) Run() error {
	fmt.Printf("scripturectl %s\n", version)
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func main() {
	ctx := kong.Parse(&CLI,
		kong.Name("scripturectl"),
		kong.Description("Offline tooling for the scripture listening daemon"),
		kong.UsageOnError(),
	)

	var err error
	cfg, err = config.Load(CLI.Config)
	ctx.FatalIfErrorf(err)

	level := slog.LevelWarn
	if CLI.Verbose {
		level = slog.LevelDebug
	}
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	err = ctx.Run()
	ctx.FatalIfErrorf(err)
}
