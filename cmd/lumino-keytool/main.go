// Copyright 2024 The Lumino Node Authors

// Command lumino-keytool is an operator convenience utility: given the hex
// private key a node will run with, print the address it will identify
// itself as to the ledger facade. It is not part of the node's runtime path.
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: lumino-keytool <node_private_key_hex>")
		os.Exit(1)
	}

	hexKey := strings.TrimPrefix(os.Args[1], "0x")
	privKey, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		fmt.Printf("Error parsing private key: %v\n", err)
		os.Exit(1)
	}

	addr := crypto.PubkeyToAddress(privKey.PublicKey)
	fmt.Printf("Node address: %s\n", addr.Hex())
}
