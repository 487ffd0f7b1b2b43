// Package app provides the application composition layer of the strategy
// layer.
//
// # Architecture Role
//
// The app package composes storage, the ledger and metadata collaborators,
// the event sinks and the domain services into one running Application. It
// holds no business rules of its own; those live in internal/app/services.
//
// # Package Structure
//
//	internal/app/
//	├── application.go      # Application struct, wiring, and lifecycle
//	├── core/service/       # Service descriptors and the revision retry loop
//	├── domain/             # Domain models (pure data structures)
//	│   ├── strategy/       # Registered strategies
//	│   └── token/          # Access tokens and their lock state
//	├── services/           # Registry, tokens, sessions, energy
//	├── storage/            # Store interfaces and implementations
//	│   ├── interfaces.go   # StrategyStore, TokenStore
//	│   ├── memory/         # In-memory implementation
//	│   └── postgres/       # PostgreSQL implementation
//	├── httpapi/            # HTTP API handlers and routing
//	├── system/             # Lifecycle manager
//	└── metrics/            # Prometheus metrics
//
// # Dependency Direction
//
//	cmd/strategyd/
//	      │
//	      ▼
//	internal/app/ (composition)
//	      │
//	      ├──► internal/app/services/ (business logic)
//	      │           │
//	      │           ├──► internal/app/storage/
//	      │           ├──► internal/ledger/
//	      │           └──► internal/engine/ (events, nft metadata)
//	      │
//	      └──► internal/platform/ (migrations)
//
// # Consistency
//
// Every record carries a revision. Services read, validate and write back
// with compare-and-swap, re-running the whole operation when they lose a
// race, so each public operation either commits completely or not at all.
package app
