package app

const (
	Name           = "devlink"
	ConfigFilename = "config.json"
	DBFilename     = "devlink.db"
	LogFilename    = "devlink.log"
)
