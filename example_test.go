package udpboot

import (
	"log"
	"os"
)

func Example() {
	// First create a session using the necessary transport
	session := NewUDPSession("192.168.1.50:8266", 0)

	log.Print("connecting to device...")
	if err := session.Connect(); err != nil {
		log.Fatal(err)
	}
	defer session.Close()

	// Load the firmware image (Intel HEX or raw binary)
	file, err := os.Open("firmware.hex")
	if err != nil {
		log.Fatal(err)
	}
	defer file.Close()

	image, err := LoadHex(file)
	if err != nil {
		log.Fatal(err)
	}
	log.Print("image loaded")

	// Create an updater with the stock pairing policy and flash the device
	opts := DefaultUpdaterOptions()
	opts.ValidateHeader = true
	updater := NewUpdater(session, opts)

	log.Print("updating...")
	if err := updater.Update(image); err != nil {
		log.Fatal(err)
	}
	log.Print("complete")
}
