/*
Package signer adapts the AWS SigV4 implementation to the two signing shapes
the runtime needs: presigned WebSocket URLs for the streaming session and
signed HTTP requests for the device-registry discovery calls.

The signature algorithm is consumed from the AWS SDK, not reimplemented.
*/
package signer
