// Command jpipinfo prints a summary of a .kjc data-bin cache file: the
// target header fields and a per-class bin count/byte total.
package main

import (
	"flag"
	"os"

	log "github.com/sirupsen/logrus"

	"github.com/samsamfire/jpipclient/pkg/cache"
	"github.com/samsamfire/jpipclient/pkg/cachefile"
	"github.com/samsamfire/jpipclient/pkg/woi"
)

func main() {
	path := flag.String("file", "", "path to a .kjc cache file")
	flag.Parse()
	if *path == "" {
		log.Fatal("usage: jpipinfo -file <path.kjc>")
	}

	f, err := os.Open(*path)
	if err != nil {
		log.Fatalf("opening %s: %v", *path, err)
	}
	defer f.Close()

	c := cache.NewMemCache()
	hdr, err := cachefile.Read(f, c)
	if err != nil {
		log.Fatalf("reading %s: %v", *path, err)
	}

	log.Infof("host=%s target=%s sub-target=%s target-id=%s", hdr.Host, hdr.Target, hdr.SubTarget, hdr.TargetID)

	counts := make(map[woi.BinClass]int)
	bytesByClass := make(map[woi.BinClass]int)
	for _, id := range c.Bins() {
		data, _, _, ok := c.Get(id)
		if !ok {
			continue
		}
		counts[id.Class]++
		bytesByClass[id.Class] += len(data)
	}
	for class, n := range counts {
		log.Infof("  %-12s bins=%-6d bytes=%d", class.String(), n, bytesByClass[class])
	}
}
