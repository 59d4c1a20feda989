package events

const (
	TopicConnStatus      = "conn.status"
	TopicDeviceFound     = "device.found"
	TopicDeviceReady     = "device.ready"
	TopicDeviceGone      = "device.gone"
	TopicBitrateSnapshot = "bitrate.snapshot"
	TopicCommError       = "comm.error"
)
