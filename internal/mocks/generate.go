// Package mocks provides mock implementations of the geojobs ports for unit tests.
//
// The mocks are produced by go.uber.org/mock (gomock). To regenerate them after
// an interface change, run:
//
//	go generate ./internal/mocks
//
// Usage in tests:
//
//	ctrl := gomock.NewController(t)
//	repo := mocks.NewMockJobRepository(ctrl)
//	repo.EXPECT().GetByID(gomock.Any(), "job-1").Return(job, nil)
package mocks

// JobRepository: Create, GetByID, MarkRunning, Complete, Fail, List, Stats
//go:generate go run go.uber.org/mock/mockgen@v0.6.0 -package=mocks -destination=job_repository_mock.go github.com/target/geojobs/internal/core JobRepository

// WorkQueue: ReserveNext, Heartbeat, Ack, Release, Stats
//go:generate go run go.uber.org/mock/mockgen@v0.6.0 -package=mocks -destination=work_queue_mock.go github.com/target/geojobs/internal/core WorkQueue

// EventPublisher: Publish
//go:generate go run go.uber.org/mock/mockgen@v0.6.0 -package=mocks -destination=event_publisher_mock.go github.com/target/geojobs/internal/core EventPublisher
