// Package relay replicates NodeCommand batches between loom processes over AMQP.
//
// A Publisher encodes each batch with the wire codec and publishes one persistent
// message per batch: the frame records form the body, the control record and blob ride
// in the loom-control and loom-blob headers, and the message id is the batch id. A
// Consumer reverses this and submits every command to a scheduler's broker. Batches that
// fail to decode are rejected without requeue so a dead-letter exchange can collect them.
package relay
