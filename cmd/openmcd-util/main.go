package main

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	om "github.com/b71729/openmcd"
	"github.com/b71729/openmcd/spectrum"
	"github.com/dustin/go-humanize"
	"golang.org/x/image/tiff"
)

var baseFile = filepath.Base(os.Args[0])

func check(err error) {
	if err != nil {
		om.Fatalf("error: %v", err)
	}
}

func usage() {
	fmt.Printf("OpenMCD version %s\n", om.OpenMCDVersion)
	fmt.Printf("usage: %s [%s] [args]\n", baseFile, strings.Join([]string{"info", "xml", "channel", "overview", "convert"}, " / "))
	fmt.Println("  info     file.mcd")
	fmt.Println("  xml      file.mcd")
	fmt.Println("  channel  file.mcd acquisition_id channel_name out.tiff")
	fmt.Println("  overview file.mcd slide_id width channel_name threshold out.png [--optical]")
	fmt.Println("  convert  dir")
	os.Exit(1)
}

func main() {
	om.GetConfig()
	if len(os.Args) == 1 || (os.Args[1] == "--help" || os.Args[1] == "-h") {
		usage()
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	args := os.Args[2:]
	switch os.Args[1] {
	case "info":
		requireArgs(args, 1)
		StartInfo(args[0])
	case "xml":
		requireArgs(args, 1)
		StartXML(args[0])
	case "channel":
		requireArgs(args, 4)
		StartChannel(ctx, args[0], atoi(args[1]), args[2], args[3])
	case "overview":
		optical := len(args) == 7 && args[6] == "--optical"
		if optical {
			args = args[:6]
		}
		requireArgs(args, 6)
		threshold, err := strconv.ParseFloat(args[4], 64)
		check(err)
		StartOverview(ctx, args[0], atoi(args[1]), atoi(args[2]), args[3], threshold, args[5], optical)
	case "convert":
		requireArgs(args, 1)
		StartConvert(ctx, args[0])
	default:
		usage()
	}
}

func requireArgs(args []string, n int) {
	if len(args) != n {
		usage()
	}
}

func atoi(s string) int {
	n, err := strconv.Atoi(s)
	check(err)
	return n
}

/*
===============================================================================
    Mode: Info
===============================================================================
*/

// StartInfo prints the slide / panorama / acquisition / channel hierarchy of a container
func StartInfo(path string) {
	m, err := om.Open(path)
	check(err)
	defer m.Close()
	fmt.Printf("%s (%s)\n", path, humanize.Bytes(uint64(m.Size())))
	for _, slide := range m.Slides() {
		fmt.Printf("slide %d %q: %g x %g µm\n", slide.ID, slide.Description, slide.WidthUm, slide.HeightUm)
		for _, pano := range slide.Panoramas() {
			fmt.Printf("  panorama %d %q: %d x %d px, image=%t\n", pano.ID, pano.Description, pano.PixelWidth, pano.PixelHeight, pano.HasImage())
		}
		for _, acq := range slide.Acquisitions() {
			fmt.Printf("  acquisition %d %q: %d x %d px at (%g, %g) µm, %d channels, %s\n", acq.ID, acq.Description,
				acq.Width, acq.Height, acq.ROIStart.X, acq.ROIStart.Y, len(acq.Channels()), humanize.Bytes(uint64(acq.DataLength())))
			for _, c := range acq.Channels() {
				fmt.Printf("    %3d %-12s %s\n", c.Index, c.Name, c.Label)
			}
		}
	}
	if m.CacheValid() {
		fmt.Printf("cache: %s\n", m.CachePath())
	} else {
		fmt.Println("cache: none")
	}
}

// StartXML prints the metadata document
func StartXML(path string) {
	m, err := om.Open(path)
	check(err)
	defer m.Close()
	fmt.Println(m.XML())
}

/*
===============================================================================
    Mode: Export Channel
===============================================================================
*/

// toGray16 stretches the intensity range of `img` over 16 bits
func toGray16(img *spectrum.ChannelImage) *image.Gray16 {
	out := image.NewGray16(image.Rect(0, 0, img.Width, img.Height))
	min, max := img.Range()
	span := float64(max - min)
	for y := 0; y < img.Height; y++ {
		for x := 0; x < img.Width; x++ {
			v := img.At(x, y)
			if span <= 0 || v != v {
				continue
			}
			out.SetGray16(x, y, color.Gray16{Y: uint16(float64(v-min) / span * 65535)})
		}
	}
	return out
}

// StartChannel writes one channel of an acquisition as a 16-bit TIFF
func StartChannel(ctx context.Context, path string, acquisitionID int, channel string, out string) {
	m, err := om.Open(path)
	check(err)
	defer m.Close()
	acq, ok := m.Acquisition(acquisitionID)
	if !ok {
		check(fmt.Errorf("no acquisition %d in %s", acquisitionID, path))
	}
	img, err := acq.ChannelData(ctx, channel)
	check(err)
	f, err := os.Create(out)
	check(err)
	defer f.Close()
	check(tiff.Encode(f, toGray16(img), &tiff.Options{Compression: tiff.Deflate}))
	min, max := img.Range()
	om.Infof("wrote %s: %dx%d, range [%g, %g]", out, img.Width, img.Height, min, max)
}

/*
===============================================================================
    Mode: Slide Overview
===============================================================================
*/

// StartOverview renders a slide overview as a PNG, over the optical images when `optical` is set
func StartOverview(ctx context.Context, path string, slideID, width int, channel string, threshold float64, out string, optical bool) {
	m, err := om.Open(path)
	check(err)
	defer m.Close()
	slide, ok := m.Slide(slideID)
	if !ok {
		check(fmt.Errorf("no slide %d in %s", slideID, path))
	}
	if om.GetConfig().CacheEnabled && len(slide.Acquisitions()) > 1 {
		if err := m.EnsureCache(ctx); err != nil {
			om.Warnf("continuing without cache: %v", err)
		}
	}
	render := slide.OverviewImage
	if optical {
		render = slide.CompositeOverviewImage
	}
	ov, err := render(ctx, width, channel, threshold)
	check(err)
	var img image.Image = ov.Image
	if ov.Composite != nil {
		img = ov.Composite
	} else if optical {
		om.Warnf("slide %d has no optical images", slideID)
	}
	f, err := os.Create(out)
	check(err)
	defer f.Close()
	check(png.Encode(f, img))
	for _, s := range ov.Skipped {
		om.Infof("acquisition %d skipped: %v", s.AcquisitionID, s.Reason)
	}
	om.Infof("wrote %s: %dx%d at %.4f px/µm", out, ov.Image.Bounds().Dx(), ov.Image.Bounds().Dy(), ov.Scale)
}

/*
===============================================================================
    Mode: Convert Directory
===============================================================================
*/

// StartConvert builds the `.dcm` cache of every container below `dir`
func StartConvert(ctx context.Context, dir string) {
	started := time.Now()
	var converted, failed int64
	err := om.ConcurrentlyWalkDir(dir, ".mcd", func(path string) error {
		m, err := om.Open(path)
		if err != nil {
			om.Errorf(`error opening "%s": %v`, filepath.Base(path), err)
			atomic.AddInt64(&failed, 1)
			return nil
		}
		defer m.Close()
		if err := m.EnsureCache(ctx); err != nil {
			om.Errorf(`error converting "%s": %v`, filepath.Base(path), err)
			atomic.AddInt64(&failed, 1)
			return nil
		}
		om.Debugf(`converted "%s"`, filepath.Base(path))
		atomic.AddInt64(&converted, 1)
		return nil
	})
	check(err)
	if failed == 0 {
		om.Infof("converted %d files without errors in %s", converted, time.Since(started).Round(time.Millisecond))
	} else {
		om.Infof("converted %d files without errors, and failed to convert %d files", converted, failed)
	}
}
