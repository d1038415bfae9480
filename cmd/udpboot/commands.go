package main

import (
	"encoding/hex"
	"fmt"
	"strconv"

	log "github.com/sirupsen/logrus"
	"github.com/sprigga/udpboot"
)

func processGetVersion(session udpboot.Session, args []string) {
	ver, err := session.GetVersion()
	if err != nil {
		log.Fatalf("failed to read version: %v", err)
	}

	log.Infof("version info: %+v", ver)
}

func getAddrAndLen(args []string) (uint32, uint32) {
	if len(args) != 2 {
		log.Fatalf("expected: addr len")
	}
	addr, err := strconv.ParseUint(args[0], 0, 32)
	if err != nil {
		log.Fatalf("invalid address: %v", err)
	}
	length, err := strconv.ParseUint(args[1], 0, 32)
	if err != nil {
		log.Fatalf("invalid length: %v", err)
	}
	return uint32(addr), uint32(length)
}

func processRead(session udpboot.Session, args []string) {
	addr, length := getAddrAndLen(args)
	data, err := session.ReadAddress(addr, length)
	if err != nil {
		log.Fatalf("failed to read memory: %v", err)
	}
	fmt.Print(hex.Dump(data))
}

func processReset(session udpboot.Session, args []string) {
	if err := session.Reset(); err != nil {
		log.Fatalf("failed to reset: %v", err)
	}
}
