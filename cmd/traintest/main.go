// Command traintest trains the targets of a manifest and prints feature
// index statistics per reference image.
//
// Usage: traintest -m <manifest> [-res sm] [-json]
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	jsoniter "github.com/json-iterator/go"

	"image-tracker/internal/features"
	"image-tracker/internal/project"
	"image-tracker/internal/reference"
	"image-tracker/internal/vision"
	"image-tracker/internal/vision/cvbackend"
)

type referenceStats struct {
	Name          string  `json:"name"`
	Keypoints     int     `json:"keypoints"`
	Width         float64 `json:"width"`
	Height        float64 `json:"height"`
	PhysicalWidth float64 `json:"physical_width"`
	MeanResponse  float64 `json:"mean_response"`
}

func main() {
	manifestPath := flag.String("m", "", "Path to the target manifest")
	res := flag.String("res", string(vision.DefaultResolution), "Working resolution (xs, sm, md, lg, xl)")
	maxKeypoints := flag.Int("n", features.DefaultTrainOptions().MaxKeypoints, "Max keypoints per image")
	asJSON := flag.Bool("json", false, "Print JSON instead of a table")
	flag.Parse()

	if *manifestPath == "" {
		fmt.Println("Usage: traintest -m <manifest> [-res sm] [-n 800] [-json]")
		os.Exit(1)
	}
	resolution, err := vision.ParseResolution(*res)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}

	manifest, err := project.Load(*manifestPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading manifest: %v\n", err)
		os.Exit(1)
	}
	db := reference.NewDatabase()
	if err := manifest.Populate(*manifestPath, db); err != nil {
		fmt.Fprintf(os.Stderr, "Error loading targets: %v\n", err)
		os.Exit(1)
	}

	detector := cvbackend.NewORBDetector(cvbackend.DefaultORBOptions())
	defer detector.Close()

	start := time.Now()
	index, err := features.Train(context.Background(), db, detector, cvbackend.BFMatcher{}, features.TrainOptions{
		Resolution:   resolution,
		MaxKeypoints: *maxKeypoints,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Training failed: %v\n", err)
		os.Exit(1)
	}
	defer index.Close()
	elapsed := time.Since(start)

	stats := make([]referenceStats, 0, index.ReferenceCount())
	for ref := 0; ref < index.ReferenceCount(); ref++ {
		kps := index.KeypointsOf(ref)
		size := index.ReferenceSize(ref)
		var response float64
		for _, kp := range kps {
			response += kp.Response
		}
		if len(kps) > 0 {
			response /= float64(len(kps))
		}
		stats = append(stats, referenceStats{
			Name:          index.Reference(ref).Name(),
			Keypoints:     len(kps),
			Width:         size.Width,
			Height:        size.Height,
			PhysicalWidth: index.Reference(ref).PhysicalSize().Width,
			MeanResponse:  response,
		})
	}

	if *asJSON {
		enc := jsoniter.ConfigCompatibleWithStandardLibrary.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		enc.Encode(map[string]any{
			"manifest":   manifest.Name,
			"resolution": resolution,
			"keypoints":  index.Len(),
			"elapsed_ms": elapsed.Milliseconds(),
			"references": stats,
		})
		return
	}

	fmt.Printf("=== %s: %d targets at %s ===\n", manifest.Name, len(stats), resolution)
	for _, s := range stats {
		fmt.Printf("  %-24s %4d keypoints  %4.0fx%-4.0f  width %.3fm  response %.1f\n",
			s.Name, s.Keypoints, s.Width, s.Height, s.PhysicalWidth, s.MeanResponse)
	}
	fmt.Printf("Total: %d keypoints in %s\n", index.Len(), elapsed.Round(time.Millisecond))
}
