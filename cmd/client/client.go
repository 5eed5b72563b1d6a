// Command client subscribes to a running eegd and prints a summary of what
// it receives: the handshake, a line for each error packet and for each
// packet carrying spectra, then the batch, spectrum and error totals.
package main

import (
	"flag"
	"fmt"
	"log"
	"net/url"

	"github.com/gorilla/websocket"

	"github.com/eegdaq/pkg/wire"
)

func main() {
	host := flag.String("host", "localhost:8080", "eegd address")
	count := flag.Int("n", 50, "number of packets to read before exiting")
	flag.Parse()

	u := url.URL{Scheme: "ws", Host: *host, Path: "/ws"}
	c, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		log.Fatal("dial:", err)
	}
	defer c.Close()

	_, msg, err := c.ReadMessage()
	if err != nil {
		log.Fatal("handshake:", err)
	}
	hs, err := wire.ParseHandshake(msg)
	if err != nil {
		log.Fatal("handshake:", err)
	}
	fmt.Printf("session: %d Hz, channels %v, batch %d, fft %d/%d ms (schema v%d)\n",
		hs.SampleRate, hs.Channels, hs.BatchSize, hs.FFTWindowMs, hs.FFTHopMs, hs.SchemaVersion)

	var batches, spectra, errors int
	for i := 0; i < *count; i++ {
		_, data, err := c.ReadMessage()
		if err != nil {
			log.Fatal("read:", err)
		}
		p, err := wire.Decode(data, len(hs.Channels))
		if err != nil {
			log.Fatal("decode:", err)
		}
		switch {
		case p.IsError():
			errors++
			fmt.Printf("error: %s\n", p.ErrMessage)
		default:
			batches++
			spectra += len(p.Spectra)
			if len(p.Spectra) > 0 {
				fmt.Printf("t=%d ns: %d samples/ch, %d spectra of %d bins\n",
					p.TimestampNs, len(p.Samples[0]), len(p.Spectra), len(p.Spectra[0].Power))
			}
		}
	}
	fmt.Printf("received %d batches, %d spectra, %d errors\n", batches, spectra, errors)
}
