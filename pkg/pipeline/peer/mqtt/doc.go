// Package mqtt publishes normalized events to an MQTT broker and reads raw
// change stream records from it.
//
// topic: prefix/DB/COLL/EVENT_TYPE
// payload: JSON event
//
// Example:
//
//	mosquitto_sub -t 'cdcnorm/shop/orders/#'
//
// Records that could not be normalized are forwarded untouched to
// prefix/deadletter/REASON when the peer is a pipeline's dead letter.
//
// A peer with `topics` also acts as a source:
//
//	mosquitto_pub -t mongo/changes -m '{"operationType":"insert","ns":{"db":"shop","coll":"orders"}}'
package mqtt
