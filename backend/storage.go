// Copyright (c) 2026 TTBT Enterprises LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package backend

import (
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/c2FmZQ/storage"
	"github.com/c2FmZQ/storage/crypto"
)

// MasterKeyEnv names the environment variable holding the passphrase of the
// master encryption key.
const MasterKeyEnv = "SK_MASTER_KEY"

const masterKeyFile = "master.key"

// OpenStorage opens the data directory. With a passphrase, the master key in
// dataDir is unlocked, or created on first use, and files are encrypted.
// Without one, a data directory that already has a master key is refused.
func OpenStorage(dataDir, passphrase string) (*storage.Storage, crypto.MasterKey, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, nil, err
	}
	keyFile := filepath.Join(dataDir, masterKeyFile)

	var masterKey crypto.MasterKey
	if passphrase != "" {
		var err error
		masterKey, err = crypto.ReadMasterKey([]byte(passphrase), keyFile)
		switch {
		case err == nil:
			log.Println("Loaded master encryption key.")
		case os.IsNotExist(err):
			log.Println("Initializing new master encryption key...")
			if masterKey, err = crypto.CreateMasterKey(); err != nil {
				return nil, nil, fmt.Errorf("failed to create master key: %w", err)
			}
			if err := masterKey.Save([]byte(passphrase), keyFile); err != nil {
				return nil, nil, fmt.Errorf("failed to save master key: %w", err)
			}
		default:
			return nil, nil, fmt.Errorf("failed to read master key: %w", err)
		}
	} else {
		if _, err := os.Stat(keyFile); err == nil {
			return nil, nil, fmt.Errorf("%s exists but %s is not set, refusing to open encrypted data unencrypted", keyFile, MasterKeyEnv)
		}
		log.Printf("Warning: No %s provided. Data will be stored UNENCRYPTED.", MasterKeyEnv)
	}

	s := storage.New(dataDir, masterKey)
	s.EnableCompression(true)
	return s, masterKey, nil
}
