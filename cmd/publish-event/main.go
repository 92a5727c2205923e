// publish-event writes one booking lifecycle event to Kafka for local testing.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"ms-reminders/internal/config"
	"ms-reminders/internal/models"
)

func main() {
	brokers := flag.String("brokers", "localhost:9092", "Comma separated Kafka brokers")
	eventType := flag.String("type", string(models.EventEntityCreated), "entity.created, entity.rescheduled or entity.cancelled")
	topic := flag.String("topic", "", "Topic to publish to (defaults to the configured topic for -type)")
	entityID := flag.String("id", "", "Entity id (a new uuid when empty)")
	kind := flag.String("kind", string(models.EntityKindAppointment), "appointment or lab_booking")
	in := flag.Duration("in", 24*time.Hour+5*time.Minute, "How far from now the booking is scheduled")
	tz := flag.String("tz", "UTC", "Timezone of the booking time")
	patient := flag.String("patient", "patient-1", "Patient party id")
	provider := flag.String("provider", "doctor-1", "Doctor or lab party id")
	flag.Parse()

	config.LoadEnv()
	cfg, err := config.FromEnv()
	if err != nil {
		log.Printf("Using built-in topic names: %v", err)
		cfg.Kafka.TopicCreated = "bookings.entity.created"
		cfg.Kafka.TopicRescheduled = "bookings.entity.rescheduled"
		cfg.Kafka.TopicCancelled = "bookings.entity.cancelled"
	}

	t := models.EventType(*eventType)
	if !t.Valid() {
		log.Fatalf("Unknown event type %q", *eventType)
	}
	if *topic == "" {
		switch t {
		case models.EventEntityCreated:
			*topic = cfg.Kafka.TopicCreated
		case models.EventEntityRescheduled:
			*topic = cfg.Kafka.TopicRescheduled
		case models.EventEntityCancelled:
			*topic = cfg.Kafka.TopicCancelled
		}
	}
	if *entityID == "" {
		*entityID = uuid.NewString()
	}

	loc, err := time.LoadLocation(*tz)
	if err != nil {
		log.Fatalf("Invalid timezone: %v", err)
	}
	at := time.Now().In(loc).Add(*in)

	providerRole := models.PartyRoleDoctor
	if models.EntityKind(*kind) == models.EntityKindLabBooking {
		providerRole = models.PartyRoleLab
	}
	scheduled := models.LocalDateTime{Date: at.Format("2006-01-02"), Time: at.Format("15:04")}
	evt := models.EntityEvent{
		Type:       t,
		OccurredAt: time.Now().UTC(),
		Entity: models.ScheduledEntity{
			EntityID:    *entityID,
			EntityKind:  models.EntityKind(*kind),
			ScheduledAt: scheduled,
			Status:      models.EntityStatusActive,
			Parties: []models.Party{
				{PartyID: *patient, Role: models.PartyRolePatient},
				{PartyID: *provider, Role: providerRole},
			},
			Payload: models.NotificationPayload{
				PatientName:  "Test Patient",
				ProviderName: "Test Provider",
				ServiceName:  "Complete blood count",
				Mode:         models.ModeInPerson,
				Location:     "Main clinic, room 4",
				ScheduledAt:  scheduled,
			},
		},
	}
	if t == models.EventEntityCancelled {
		evt.Entity.Status = models.EntityStatusCancelled
	}

	body, err := json.Marshal(evt)
	if err != nil {
		log.Fatalf("Failed to marshal event: %v", err)
	}

	writer := &kafka.Writer{
		Addr:                   kafka.TCP(strings.Split(*brokers, ",")...),
		Topic:                  *topic,
		Balancer:               &kafka.Hash{},
		AllowAutoTopicCreation: true,
	}
	defer writer.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err = writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(*entityID),
		Value: body,
	})
	if err != nil {
		log.Fatalf("Failed to write message: %v", err)
	}
	log.Printf("Published %s for %s (%s %s %s) to %s", t, *entityID, *kind, scheduled.Date, scheduled.Time, *topic)
}
