package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/agrisense/agroml/catalog"
	"github.com/agrisense/agroml/checkpoints"
	"github.com/agrisense/agroml/config"
	"github.com/agrisense/agroml/inference"
	"github.com/agrisense/agroml/monitoring"
	"github.com/agrisense/agroml/pipeline"
	"github.com/agrisense/agroml/tabular"
	"github.com/agrisense/agroml/training"
	"github.com/agrisense/agroml/vision/dataset"
)

const version = "1.0.0"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		printUsage(stderr)
		return 2
	}

	var err error
	switch command, rest := args[0], args[1:]; command {
	case "train":
		err = handleTrain(ctx, rest, stdout, stderr)
	case "export":
		err = handleExport(ctx, rest, stdout, stderr)
	case "predict-crop":
		err = handlePredictCrop(rest, stdout, stderr)
	case "predict-disease":
		err = handlePredictDisease(rest, stdout, stderr)
	case "version":
		fmt.Fprintf(stdout, "agroml version %s\n", version)
	case "help", "-h", "--help":
		printUsage(stdout)
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n\n", command)
		printUsage(stderr)
		return 2
	}
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, `agroml - crop recommendation and plant disease detection

Usage: agroml <command> [options]

Commands:
  train            Train a model and export it
  export           Re-export a saved bundle to other formats
  predict-crop     Recommend crops for a soil and weather reading
  predict-disease  Diagnose a leaf photograph
  version          Show agroml version
  help             Show this help message

Examples:
  agroml train -task crop -out saved_models/crop
  agroml train -task disease -data ./leaves -epochs 10
  agroml predict-crop -bundle saved_models/crop -n 90 -p 42 -k 43 -temperature 21 -humidity 82 -ph 6.5 -rainfall 203
  agroml predict-disease -bundle saved_models/disease -image leaf.jpg -top 3`)
}

func loadConfig(path string, verbose bool) (*config.Config, error) {
	cfg := config.Default()
	if path != "" {
		var err error
		if cfg, err = config.Load(path); err != nil {
			return nil, err
		}
	}
	monitoring.SetVerbose(verbose || cfg.Log.Verbose)
	return cfg, nil
}

func splitFormats(s string) []string {
	var out []string
	for _, f := range strings.Split(s, ",") {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}

func handleTrain(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("train", flag.ContinueOnError)
	fs.SetOutput(stderr)
	task := fs.String("task", "crop", "Model to train: crop or disease")
	configPath := fs.String("config", "", "YAML configuration file")
	out := fs.String("out", "", "Export directory (default export.dir/<model type>)")
	data := fs.String("data", "", "Image folder with one subdirectory per class (disease only)")
	epochs := fs.Int("epochs", 0, "Override the configured number of epochs")
	batchSize := fs.Int("batch-size", 0, "Override the configured batch size")
	formats := fs.String("formats", "", "Comma-separated export formats (default export.formats)")
	progress := fs.Bool("progress", false, "Show per-batch progress bars")
	verbose := fs.Bool("verbose", false, "Enable debug logging")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig(*configPath, *verbose)
	if err != nil {
		return err
	}
	opts := pipeline.TrainOptions{Epochs: *epochs, BatchSize: *batchSize, CheckpointDir: *out}
	if *progress {
		opts.Progress = stderr
	}

	var (
		history *training.History
		results []checkpoints.ExportResult
	)
	switch *task {
	case "crop":
		p, err := pipeline.NewCropPipeline(cfg)
		if err != nil {
			return err
		}
		if history, err = p.Train(nil, opts); err != nil {
			return err
		}
		if results, err = p.Export(ctx, *out, splitFormats(*formats)...); err != nil {
			return err
		}
	case "disease":
		p, err := pipeline.NewDiseasePipeline(cfg)
		if err != nil {
			return err
		}
		var src pipeline.ImageSource
		if *data != "" {
			folder, err := dataset.NewImageFolderDataset(*data, catalog.DiseaseClasses(), nil)
			if err != nil {
				return err
			}
			monitoring.Logf("Loaded %s", folder)
			src = folder
		}
		if history, err = p.Train(src, opts); err != nil {
			return err
		}
		if results, err = p.Export(ctx, *out, splitFormats(*formats)...); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown task %q (want crop or disease)", *task)
	}

	summary := struct {
		RunID        string                     `json:"run_id"`
		Epochs       int                        `json:"epochs"`
		StoppedEarly bool                       `json:"stopped_early"`
		TestLoss     float64                    `json:"test_loss"`
		TestAccuracy float64                    `json:"test_accuracy"`
		Exports      []checkpoints.ExportResult `json:"exports"`
	}{
		RunID:        history.RunID().String(),
		Epochs:       history.Len(),
		StoppedEarly: history.StoppedEarly(),
		Exports:      results,
	}
	summary.TestLoss, summary.TestAccuracy, _ = history.TestMetrics()
	return printJSON(stdout, summary)
}

func handleExport(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("export", flag.ContinueOnError)
	fs.SetOutput(stderr)
	bundleDir := fs.String("bundle", "", "Saved bundle directory (required)")
	out := fs.String("out", "", "Destination directory (default: the bundle directory)")
	configPath := fs.String("config", "", "YAML configuration file (converter commands)")
	formats := fs.String("formats", "onnx", "Comma-separated export formats")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *bundleDir == "" {
		fs.Usage()
		return fmt.Errorf("-bundle is required")
	}
	cfg, err := loadConfig(*configPath, false)
	if err != nil {
		return err
	}
	b, err := checkpoints.LoadBundle(*bundleDir)
	if err != nil {
		return err
	}
	dest := *out
	if dest == "" {
		dest = *bundleDir
	}
	results, err := checkpoints.NewManagerFromConfig(cfg.Export).Export(ctx, b, dest, splitFormats(*formats)...)
	if err != nil {
		return err
	}
	return printJSON(stdout, results)
}

func handlePredictCrop(args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("predict-crop", flag.ContinueOnError)
	fs.SetOutput(stderr)
	bundleDir := fs.String("bundle", "", "Saved crop bundle directory (required)")
	var r tabular.SoilReading
	fs.Float64Var(&r.Nitrogen, "n", 0, "Nitrogen content")
	fs.Float64Var(&r.Phosphorus, "p", 0, "Phosphorus content")
	fs.Float64Var(&r.Potassium, "k", 0, "Potassium content")
	fs.Float64Var(&r.Temperature, "temperature", 0, "Temperature in °C")
	fs.Float64Var(&r.Humidity, "humidity", 0, "Relative humidity in %")
	fs.Float64Var(&r.PH, "ph", 0, "Soil pH")
	fs.Float64Var(&r.Rainfall, "rainfall", 0, "Rainfall in mm")
	top := fs.Int("top", 3, "Number of recommendations")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *bundleDir == "" {
		fs.Usage()
		return fmt.Errorf("-bundle is required")
	}

	b, err := checkpoints.LoadBundle(*bundleDir)
	if err != nil {
		return err
	}
	p, err := inference.NewCropPredictor(b)
	if err != nil {
		return err
	}
	preds, err := p.Recommend(r, *top)
	if err != nil {
		return err
	}
	return printJSON(stdout, preds)
}

func handlePredictDisease(args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("predict-disease", flag.ContinueOnError)
	fs.SetOutput(stderr)
	bundleDir := fs.String("bundle", "", "Saved disease bundle directory (required)")
	imagePath := fs.String("image", "", "Leaf image: JPEG, PNG, GIF, BMP or WebP (required)")
	top := fs.Int("top", 3, "Number of diagnoses")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *bundleDir == "" || *imagePath == "" {
		fs.Usage()
		return fmt.Errorf("-bundle and -image are required")
	}

	b, err := checkpoints.LoadBundle(*bundleDir)
	if err != nil {
		return err
	}
	p, err := inference.NewDiseasePredictor(b)
	if err != nil {
		return err
	}
	f, err := os.Open(*imagePath)
	if err != nil {
		return err
	}
	defer f.Close()
	preds, err := p.Detect(f, *top)
	if err != nil {
		return fmt.Errorf("%s: %w", *imagePath, err)
	}
	return printJSON(stdout, preds)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
