// Package influxdb writes WearLink device metrics to InfluxDB v2.
//
// It wraps influxdb-client-go v2's non-blocking batched write API. Metrics
// adapts a Client to device.Metrics and records three measurements, each
// tagged with device_id:
//
//	wearlink_send     result tag; elements, duration_ms, success fields
//	wearlink_receive  size field (decoded message size)
//	wearlink_state    state field
//
// # Usage
//
//	client, err := influxdb.Connect(cfg.InfluxDB)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	registry, err := device.NewRegistry(device.Options{Metrics: influxdb.NewMetrics(client), ...})
//
// Write failures are delivered asynchronously to the SetOnError callback.
// Batching follows the batch_size and flush_interval settings.
package influxdb
