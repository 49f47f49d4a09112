// Package mqtt provides broker connectivity for the device-link coordinator.
//
// Edge deepstream servers publish their analytics onto the broker; the
// coordinator opens one dedicated client per active stream bridge and relays
// what arrives to frontend viewers.
//
// # Topic mapping
//
// Deployments describe streams with an AMQP-style exchange and dotted routing
// key. Topics{}.Route maps them onto MQTT topics:
//
//	deepstream + zoneA.cam1 -> deepstream/zoneA/cam1
//	deepstream + zoneA.*    -> deepstream/zoneA/+
//	deepstream + zoneA.#    -> deepstream/zoneA/#
//
// # Acknowledgement
//
// Clients created WithManualAck receive Delivery values and must call Ack once
// processing is done. Paho routes deliveries to handlers in order, so a handler
// that blocks holds back further deliveries; that is how the bridge applies
// backpressure to the broker.
//
// # Usage
//
//	client, err := mqtt.Connect(ctx, cfg.Broker,
//	    mqtt.WithClientID("dslink-bridge-"+uuid.NewString()),
//	    mqtt.WithManualAck(),
//	)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	err = client.SubscribeDeliveries(topic, 1, func(d mqtt.Delivery) {
//	    process(d.Payload())
//	    d.Ack()
//	})
package mqtt
