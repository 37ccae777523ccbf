// Command tracktest runs a video file through the tracker and prints the
// state of every frame, optionally writing an annotated video.
//
// Usage: tracktest -m <manifest> -v <video> [-res sm] [-out overlay.avi] [-json]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	jsoniter "github.com/json-iterator/go"
	"github.com/sirupsen/logrus"

	"image-tracker/internal/logging"
	"image-tracker/internal/project"
	"image-tracker/internal/stream"
	"image-tracker/internal/tracker"
	"image-tracker/internal/vision"
	"image-tracker/internal/vision/cvbackend"
)

type session string

func (s session) ID() string { return string(s) }

func main() {
	manifestPath := flag.String("m", "", "Path to the target manifest")
	videoPath := flag.String("v", "", "Path to the video file")
	res := flag.String("res", string(vision.DefaultResolution), "Working resolution (xs, sm, md, lg, xl)")
	outPath := flag.String("out", "", "Write an annotated video to this file")
	asJSON := flag.Bool("json", false, "Print one JSON message per frame")
	verbose := flag.Bool("verbose", false, "Log tracker debug output")
	flag.Parse()

	if *manifestPath == "" || *videoPath == "" {
		fmt.Println("Usage: tracktest -m <manifest> -v <video> [-res sm] [-out overlay.avi] [-json]")
		os.Exit(1)
	}
	if err := run(*manifestPath, *videoPath, *res, *outPath, *asJSON, *verbose); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(manifestPath, videoPath, res, outPath string, asJSON, verbose bool) error {
	resolution, err := vision.ParseResolution(res)
	if err != nil {
		return err
	}
	level := "warn"
	if verbose {
		level = "debug"
	}
	logger, err := logging.New(logging.Options{Level: level})
	if err != nil {
		return err
	}

	manifest, err := project.Load(manifestPath)
	if err != nil {
		return err
	}

	detector := cvbackend.NewORBDetector(cvbackend.DefaultORBOptions())
	defer detector.Close()

	t, err := tracker.New(detector, cvbackend.BFMatcher{},
		tracker.WithSettings(tracker.DefaultSettings().WithResolution(resolution)),
		tracker.WithLogger(logger.WithField("component", "tracker")),
	)
	if err != nil {
		return err
	}
	defer t.Release(context.Background())
	if err := manifest.Populate(manifestPath, t.Database()); err != nil {
		return err
	}

	ctx := context.Background()
	if err := t.Init(ctx, session("tracktest")); err != nil {
		return err
	}
	t.On(tracker.EventStateChanged, func(ev tracker.Event) {
		if !asJSON {
			fmt.Printf("    %s -> %s\n", ev.From, ev.To)
		}
	})

	source, err := cvbackend.OpenVideoSource(videoPath)
	if err != nil {
		return err
	}
	defer source.Close()

	var recorder *cvbackend.Recorder
	enc := jsoniter.ConfigFastest.NewEncoder(os.Stdout)
	counts := make(map[tracker.StateName]int)

	var n int64
	for {
		frame, err := source.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}
		n++

		out, err := t.Update(ctx, frame)
		if err != nil {
			return fmt.Errorf("frame %d: %w", n, err)
		}
		state := t.State()
		counts[state]++

		if asJSON {
			enc.Encode(stream.NewMessage(n, state, out))
		} else {
			target := ""
			if out.Visible() {
				tr := out.Exports.Trackables[0]
				target = fmt.Sprintf(" %s at %.2f", tr.ReferenceImage.Name(), tr.Pose.Distance())
			}
			fmt.Printf("%5d %-12s %4d keypoints%s\n", n, state, len(out.Keypoints), target)
		}

		if outPath != "" {
			mf := frame.(*cvbackend.MatFrame)
			if recorder == nil {
				recorder, err = cvbackend.NewRecorder(outPath, source.FPS(), mf.Mat.Cols(), mf.Mat.Rows())
				if err != nil {
					return err
				}
				defer recorder.Close()
			}
			if err := recorder.Write(mf, out, state); err != nil {
				return err
			}
		}
	}

	if !asJSON {
		stats := t.Stats()
		fmt.Printf("\n=== %d frames, %d visible, %d transitions ===\n", stats.Frames, stats.Visible, stats.Transitions)
		for s := tracker.StateInitial; s <= tracker.StateTracking; s++ {
			fmt.Printf("  %-12s %d\n", s, counts[s])
		}
	}
	logger.WithFields(logrus.Fields{"frames": n}).Debug("Done")
	return nil
}
