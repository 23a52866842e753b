package handlers

import (
	"github.com/sirupsen/logrus"

	"github.com/suPer8Hu/jobtracker/internal/tracking"
)

type Handler struct {
	Svc  *tracking.Service
	Repo *tracking.Repo
	Log  logrus.FieldLogger

	// Track is the poller configuration for jobs started over HTTP.
	Track tracking.TrackConfig
}

func NewHandler(svc *tracking.Service, repo *tracking.Repo, track tracking.TrackConfig, log logrus.FieldLogger) *Handler {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Handler{Svc: svc, Repo: repo, Track: track, Log: log}
}
