// Command lanchat-keygen generates a shared room key. Without arguments it
// prints the base64 key to stdout; with a path it writes an owner-only key
// file for LANCHAT_KEY_FILE.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/gookit/color"

	"lanchat/pkg/cipher"
)

func main() {
	out := flag.String("out", "", "write the key to this file instead of stdout")
	flag.Parse()

	key, err := cipher.GenerateKey()
	if err != nil {
		log.Fatal(err)
	}

	if *out == "" {
		fmt.Println(cipher.EncodeKey(key))
		return
	}

	if _, err := os.Stat(*out); err == nil {
		log.Fatalf("refusing to overwrite existing key file %s", *out)
	}
	if err := cipher.SaveKeyFile(*out, key); err != nil {
		log.Fatal(err)
	}
	color.Green.Printf("key written to %s\n", *out)
	fmt.Println("distribute this file to every client on the LAN")
}
