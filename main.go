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

package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/ttbt-io/wicketkeeper/backend"
)

var (
	addr           = flag.String("addr", ":8080", "The TCP address to listen to")
	useMockAuth    = flag.Bool("use-mock-auth", false, "Use Mock Authentication. For testing purposes only.")
	debugMode      = flag.Bool("debug", false, "Enable debug mode")
	raftEnabled    = flag.Bool("raft", false, "Enable Raft consensus")
	raftBind       = flag.String("raft-bind", ":8081", "Address for Raft TCP transport")
	raftAdvertise  = flag.String("raft-advertise", "", "Public address for Raft traffic (REQUIRED with --raft)")
	httpAdvertise  = flag.String("http-advertise", "", "Address other nodes use to reach this node's HTTP API (REQUIRED with --raft)")
	raftSecret     = flag.String("raft-secret", "", "Shared secret for cluster authentication")
	raftBootstrap  = flag.Bool("raft-bootstrap", false, "Bootstrap the Raft cluster (only for first node)")
	raftJoin       = flag.String("raft-join", "", "HTTP address of a cluster member to join")
	dataDir        = flag.String("data-dir", "data", "Directory for match data")
	authCookieName = flag.String("auth-cookie-name", "wicketkeeper_auth", "Name of the cookie containing the JWT")
	authJWKSURL    = flag.String("auth-jwks-url", "", "Comma-separated list of [ISSUER=]URL for JWKS endpoints")
	bootstrapAdmin = flag.String("admin", "", "Email of temporary admin user for bootstrapping access policy")
	redisAddr      = flag.String("redis-addr", "", "Redis address for publishing match updates")
	redisStream    = flag.String("redis-stream", backend.DefaultStream, "Redis stream that receives match updates")
)

func main() {
	flag.Parse()

	if *raftEnabled {
		if *raftAdvertise == "" {
			log.Fatal("--raft-advertise is required when Raft is enabled")
		}
		if *httpAdvertise == "" {
			log.Fatal("--http-advertise is required when Raft is enabled")
		}
		if *raftSecret == "" {
			log.Fatal("--raft-secret is required when Raft is enabled")
		}
	}

	store, masterKey, err := backend.OpenStorage(*dataDir, os.Getenv(backend.MasterKeyEnv))
	if err != nil {
		log.Fatalf("Critical Security Error: %v", err)
	}

	var publisher *backend.RedisPublisher
	if *redisAddr != "" {
		publisher = backend.NewRedisPublisher(redis.NewClient(&redis.Options{Addr: *redisAddr}), *redisStream)
		log.Printf("Publishing match updates to %s stream %q", *redisAddr, *redisStream)
	}

	opts := backend.Options{
		Addr:                  *addr,
		DataDir:               *dataDir,
		UseMockAuth:           *useMockAuth,
		Debug:                 *debugMode,
		Storage:               store,
		MasterKey:             masterKey,
		RaftEnabled:           *raftEnabled,
		RaftBind:              *raftBind,
		RaftAdvertise:         *raftAdvertise,
		HTTPAdvertise:         *httpAdvertise,
		RaftSecret:            *raftSecret,
		RaftBootstrap:         *raftBootstrap,
		RaftJoin:              *raftJoin,
		UseProductionTimeouts: true,
		AuthCookieName:        *authCookieName,
		AuthJWKSURL:           *authJWKSURL,
		BootstrapAdmin:        *bootstrapAdmin,
	}
	if publisher != nil {
		opts.Publisher = publisher
	}
	server, err := backend.StartServer(opts)
	if err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	log.Println("Shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Printf("Shutdown error: %v", err)
	} else {
		log.Println("Gracefully stopped.")
	}
	if publisher != nil {
		publisher.Close()
	}
}
