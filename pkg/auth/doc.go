/*
Package auth implements the credential lifecycle manager: a four-stage chain
from long-lived refresh credential to short-lived signing credentials, each
stage with its own expiry clock.

# Architecture

	┌──────────────── CREDENTIAL CHAIN ────────────────┐
	│                                                    │
	│  stage 1  refresh credential   (years, persisted) │
	│     │  POST /oauth/token grant_type=refresh_token │
	│     ▼                                              │
	│  stage 2  bearer token         (hours)            │
	│     │  GET /api/v1/cognito/identityid (Bearer)    │
	│     ▼                                              │
	│  stage 3  federated token + identity reference    │
	│     │  GetCredentialsForIdentity                  │
	│     ▼                                              │
	│  stage 4  signing credentials  (about one hour)   │
	│                                                    │
	└────────────────────────────────────────────────────┘

Acquiring any stage transparently renews upstream stages first; renewal
never skips a stage. A 5-minute safety margin keeps consumers off known-
stale values. Concurrent acquires for one stage share a single renewal call
(singleflight). Transient renewal failures retry with bounded exponential
backoff and surface as CredentialUnavailable; a rejected refresh credential
is terminal (ReauthenticationRequired) and never retried automatically.

The password flow exists only as the one-time Login bootstrap. Its rotated
refresh credential is persisted through the storage.Store before the
manager proceeds.
*/
package auth
