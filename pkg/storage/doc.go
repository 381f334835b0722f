/*
Package storage provides persistent local state for hearthlink.

Two things survive restarts: the long-lived refresh credential (stage 1 of
the credential chain, rotated by the provider on every refresh) and the
discovered device inventory. Both live in a single BoltDB file under the
configured data directory, opened mode 0600.

The Store interface keeps the credential lifecycle manager decoupled from
BoltDB; tests substitute an in-memory implementation.
*/
package storage
