// Command jpipfetch posts a single window-of-interest request against a
// JPIP server and writes the resulting data-bin cache to a .kjc file.
package main

import (
	"context"
	"flag"
	"os"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/samsamfire/jpipclient/pkg/cache"
	"github.com/samsamfire/jpipclient/pkg/cachefile"
	"github.com/samsamfire/jpipclient/pkg/client"
	"github.com/samsamfire/jpipclient/pkg/config"
	"github.com/samsamfire/jpipclient/pkg/woi"
)

type nopMapper struct{}

func (nopMapper) RelevantBins(w woi.WOI, codestream int, mainHeader []byte) ([]woi.BinID, error) {
	return nil, nil
}

func main() {
	host := flag.String("host", "", "JPIP server host:port")
	target := flag.String("target", "", "target resource name")
	resX := flag.Int("resx", 1024, "requested resolution width")
	resY := flag.Int("resy", 1024, "requested resolution height")
	out := flag.String("out", "out.kjc", "output cache file path")
	rcFile := flag.String("rc", "", "path to a .jpiprc preferences file")
	flag.Parse()

	log.SetLevel(log.InfoLevel)

	prefs := mustLoadPrefs(*rcFile)
	if *host == "" {
		*host = prefs.DefaultHost
	}
	if *host == "" {
		log.Fatal("no host given (use -host or set default_host in .jpiprc)")
	}

	logger := log.WithFields(log.Fields{"component": "jpipfetch"})
	logger.Infof("fetching %s from %s at %dx%d", *target, *host, *resX, *resY)

	c := cache.NewMemCache()
	eng := client.New(nopMapper{}, c, *host, nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	eng.Start(ctx, 50*time.Millisecond)
	defer eng.Close()

	h := eng.AddQueue(1)
	if err := eng.SetTarget(h, *target); err != nil {
		logger.Fatalf("set_target failed: %v", err)
	}
	if _, err := eng.PostWindow(h, woi.WOI{ResX: *resX, ResY: *resY}, false, *target, 0); err != nil {
		logger.Fatalf("post_window failed: %v", err)
	}

	if err := eng.Disconnect(h, false, 5*time.Second, true); err != nil {
		logger.Warnf("disconnect: %v", err)
	}

	hdr := cachefile.Header{Host: *host, Target: *target, TargetID: *target}
	if err := writeCacheFile(*out, hdr, c); err != nil {
		logger.Fatalf("writing cache file: %v", err)
	}
	logger.Infof("wrote %s", *out)
}

func mustLoadPrefs(path string) config.Preferences {
	if path == "" {
		p, _ := config.Load([]byte("[client]\n"))
		return p
	}
	p, err := config.Load(path)
	if err != nil {
		log.Fatalf("loading %s: %v", path, err)
	}
	return p
}

func writeCacheFile(path string, hdr cachefile.Header, c cache.DataBinCache) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return cachefile.Write(f, hdr, c)
}
