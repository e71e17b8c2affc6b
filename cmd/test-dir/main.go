// Command test-dir prints the directory listing a peer would receive for a
// remote DIR, and optionally the CRC of a byte range of one file.
//
// Usage:
//
//	go run ./cmd/test-dir [--root img/] [--max 1024] [--file name --start 0 --length 0]
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/chaz8081/ble-kermit/internal/crcfile"
	"github.com/chaz8081/ble-kermit/internal/session"
)

func main() {
	root := flag.String("root", "img/", "transfer root directory")
	limit := flag.Int("max", 1024, "maximum number of entries")
	file := flag.String("file", "", "file in root to checksum")
	start := flag.Int64("start", 0, "checksum start offset (multiple of 4)")
	length := flag.Int64("length", 0, "checksum length (0 means to end of file)")
	flag.Parse()

	listing, err := session.ListDir(*root, *limit)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(listing)

	if *file == "" {
		return
	}
	f, err := os.Open(filepath.Join(*root, filepath.Base(*file)))
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
	defer f.Close()

	crc, err := crcfile.ComputeFile(f, *start, *length)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		f.Close()
		os.Exit(1)
	}
	fmt.Printf("%s [%d:+%d] crc %08x\n", *file, *start, *length, crc)
}
