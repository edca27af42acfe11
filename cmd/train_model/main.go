package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"modelserve/db"
	"modelserve/logger"
	"modelserve/ml"
)

type options struct {
	dataset     string
	encoding    string
	header      bool
	modelType   string
	nEstimators int
	maxDepth    int
	seed        int64
	testRatio   float64
	modelPath   string
	dbPath      string
	logLevel    string
}

func parseFlags(args []string) (*options, error) {
	opts := &options{}
	fs := pflag.NewFlagSet("train_model", pflag.ContinueOnError)
	fs.StringVar(&opts.dataset, "dataset", "", "CSV dataset, last column is the label (default: built-in iris)")
	fs.StringVar(&opts.encoding, "encoding", "utf-8", "text encoding of the CSV dataset")
	fs.BoolVar(&opts.header, "header", true, "CSV dataset has a header row")
	fs.StringVar(&opts.modelType, "model-type", ml.TypeRandomForest, "random_forest or decision_tree")
	fs.IntVar(&opts.nEstimators, "n-estimators", ml.DefaultNEstimators, "number of trees in the forest")
	fs.IntVar(&opts.maxDepth, "max-depth", 0, "max tree depth, 0 for unlimited")
	fs.Int64Var(&opts.seed, "seed", ml.DefaultSeed, "random seed for the split and the forest")
	fs.Float64Var(&opts.testRatio, "test-ratio", 0.2, "share of rows held out for evaluation, 0 trains on everything")
	fs.StringVar(&opts.modelPath, "model-path", "model.json", "model artifact output path")
	fs.StringVar(&opts.dbPath, "db", "", "sqlite database for the training log (optional)")
	fs.StringVar(&opts.logLevel, "log-level", "info", "debug, info, warn or error")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if opts.testRatio < 0 || opts.testRatio >= 1 {
		return nil, fmt.Errorf("--test-ratio must be in [0, 1), got %v", opts.testRatio)
	}
	if opts.maxDepth < 0 {
		return nil, fmt.Errorf("--max-depth must not be negative, got %d", opts.maxDepth)
	}
	return opts, nil
}

func main() {
	opts, err := parseFlags(os.Args[1:])
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	log, err := logger.New(logger.Options{Level: opts.logLevel, Development: true})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	defer log.Sync()

	if err := run(context.Background(), opts, log); err != nil {
		log.Fatal("training failed", zap.Error(err))
	}
}

func run(ctx context.Context, opts *options, log *zap.Logger) error {
	ds, err := loadDataset(opts)
	if err != nil {
		return fmt.Errorf("load dataset: %w", err)
	}
	log.Info("dataset loaded",
		zap.String("source", datasetName(opts)),
		zap.Int("rows", ds.Len()),
		zap.Int("classes", len(ds.Classes())))

	rng := rand.New(rand.NewSource(opts.seed))
	trainX, trainY, testX, testY := ds.Features, ds.Labels, [][]float64(nil), []int(nil)
	if opts.testRatio > 0 {
		trainX, trainY, testX, testY = ml.SplitDataset(ds.Features, ds.Labels, opts.testRatio, rng)
	}

	params := ml.DefaultForestParams()
	params.NEstimators = opts.nEstimators
	params.MaxDepth = opts.maxDepth
	params.Seed = opts.seed
	model, err := ml.NewModel(opts.modelType, params)
	if err != nil {
		return err
	}

	start := time.Now()
	if err := model.Train(trainX, trainY); err != nil {
		return fmt.Errorf("train %s: %w", opts.modelType, err)
	}
	log.Info("model trained",
		zap.String("model_type", model.Type()),
		zap.Int("train_rows", len(trainX)),
		zap.Duration("elapsed", time.Since(start)))

	var eval ml.Evaluation
	if len(testX) > 0 {
		eval = ml.Evaluate(model, testX, testY)
		log.Info("model evaluated",
			zap.Int("test_rows", eval.Samples),
			zap.Float64("accuracy", eval.Accuracy),
			zap.Float64("precision", eval.Precision),
			zap.Float64("recall", eval.Recall))
	}

	trainedAt := time.Now().UTC()
	meta := ml.Metadata{
		FeatureNames: ds.FeatureNames,
		Classes:      ds.Classes(),
		ClassNames:   ds.ClassNames,
		TrainedAt:    trainedAt,
		Seed:         opts.seed,
		DataPoints:   len(trainX),
	}
	if err := ml.SaveArtifact(opts.modelPath, model, meta); err != nil {
		return fmt.Errorf("save model: %w", err)
	}
	log.Info("model saved", zap.String("path", opts.modelPath))

	if opts.dbPath == "" {
		return nil
	}
	store, err := db.Open(opts.dbPath)
	if err != nil {
		return err
	}
	defer store.Close()
	return store.SaveTrainingLog(ctx, db.TrainingLog{
		ModelName:    model.Type(),
		Accuracy:     eval.Accuracy,
		Precision:    eval.Precision,
		Recall:       eval.Recall,
		TrainedAt:    trainedAt,
		DataPoints:   len(trainX),
		ArtifactPath: opts.modelPath,
	})
}

func loadDataset(opts *options) (*ml.Dataset, error) {
	if opts.dataset == "" {
		return ml.LoadIris()
	}
	f, err := os.Open(opts.dataset)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ml.LoadCSV(f, ml.CSVOptions{Header: opts.header, Encoding: opts.encoding})
}

func datasetName(opts *options) string {
	if opts.dataset == "" {
		return "iris (built-in)"
	}
	return opts.dataset
}
