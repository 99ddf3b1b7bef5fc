// Package influxdb records decoded ebus values in InfluxDB.
//
// Every present field of a kept message becomes one point in the
// ebus_field measurement, tagged by circuit, message and field
// identifier. The periodic status of each circuit goes to ebus_health.
// Both are written through influxdb-client-go's batching write API, so
// the decode path never waits on the network.
//
//	client, err := influxdb.Connect(ctx, cfg.InfluxDB, influxdb.Options{BridgeID: cfg.Bridge.ID})
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//	client.WriteFieldValue("bai", "FlowTemp", "FlowTemp", 45.5, time.Now())
//
// Connect and HealthCheck return errors directly. Batch write failures
// surface later through the SetOnError callback; values of a type that
// has no line protocol form are skipped and counted by Dropped.
package influxdb
