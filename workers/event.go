package workers

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ecpds/master/constants"
	"github.com/ecpds/master/database"
	"github.com/ecpds/master/models"
	"github.com/ecpds/master/network"
	"github.com/ecpds/master/script"
)

// TransferEventMessage is the JSON document published to NSQ for a
// transfer that reached a terminal status.
type TransferEventMessage struct {
	PublicationId  int64     `json:"publication_id"`
	DataTransferId int64     `json:"data_transfer_id"`
	Destination    string    `json:"destination"`
	Host           string    `json:"host"`
	Target         string    `json:"target"`
	UniqueKey      string    `json:"unique_key"`
	StatusCode     string    `json:"status_code"`
	Comment        string    `json:"comment"`
	SentBytes      int64     `json:"sent_bytes"`
	FinishTime     time.Time `json:"finish_time"`
}

// EventPolicy processes the pending publications: MQTT messages
// through the brokers of the movers, NSQ events, or scripted
// notifications. The done flag of the publication is the only guard
// against processing it twice.
type EventPolicy struct {
	services   *Services
	config     models.SchedulerConfig
	retryDelay time.Duration
}

func NewEventPolicy(services *Services) *EventPolicy {
	config := services.schedulerConfig(constants.SchedulerEvent)
	return &EventPolicy{
		services:   services,
		config:     config,
		retryDelay: models.ParseDuration(config.RetryDelay, time.Minute),
	}
}

func (policy *EventPolicy) SelectCandidates(ctx context.Context, batchSize int) ([]*models.Publication, error) {
	return policy.services.DB.GetPublications(batchSize)
}

func (policy *EventPolicy) Key(publication *models.Publication) string {
	return fmt.Sprintf("%d", publication.Id)
}

func (policy *EventPolicy) MaxWorkers() int {
	return maxThreads(policy.config, 5)
}

func (policy *EventPolicy) Admit(publication *models.Publication, active []*models.Publication) bool {
	return true
}

func (policy *EventPolicy) Run(ctx context.Context, candidate *models.Publication) error {
	services := policy.services
	publication, err := services.DB.GetPublication(candidate.Id)
	if err != nil {
		return err
	}
	if publication.Done {
		return nil
	}
	dataTransfer, err := services.Manager.Transfer(publication.DataTransferId)
	if database.IsNotFound(err) {
		return policy.done(publication, "Skipped: transfer not found")
	}
	if err != nil {
		return err
	}
	if dataTransfer.Deleted || dataTransfer.IsExpired(services.Now()) {
		return policy.done(publication, "Skipped: transfer deleted or expired")
	}

	bindings := policy.bindings(dataTransfer)
	var message string
	switch {
	case publication.HasMarker(constants.PublicationMQTT):
		message, err = policy.publishMQTT(ctx, publication, bindings)
	case publication.HasMarker(constants.PublicationNSQ):
		message, err = policy.publishNSQ(publication, dataTransfer)
	default:
		message, err = policy.runScript(publication, bindings)
	}
	if err != nil {
		publication.Message = err.Error()
		publication.ScheduledTime = services.Now().Add(policy.retryDelay)
		if updateErr := services.DB.UpdatePublication(publication); updateErr != nil {
			services.Log.Warningf("Cannot defer publication %d: %v", publication.Id, updateErr)
		}
		return err
	}
	return policy.done(publication, message)
}

func (policy *EventPolicy) done(publication *models.Publication, message string) error {
	publication.Done = true
	publication.ProcessedTime = policy.services.Now()
	publication.Message = message
	if err := policy.services.DB.UpdatePublication(publication); err != nil {
		return err
	}
	policy.services.Log.Debugf("Publication %d: %s", publication.Id, message)
	return nil
}

func (policy *EventPolicy) bindings(dataTransfer *models.DataTransfer) map[string]interface{} {
	bindings := map[string]interface{}{
		"id":          dataTransfer.Id,
		"destination": dataTransfer.Destination,
		"host":        dataTransfer.Host,
		"target":      dataTransfer.Target,
		"uniqueKey":   dataTransfer.UniqueKey,
		"status":      dataTransfer.StatusCode,
		"comment":     dataTransfer.Comment,
		"sentBytes":   dataTransfer.SentBytes,
		"priority":    int64(dataTransfer.Priority),
		"time":        dataTransfer.FinishTime,
	}
	if dataFile, err := policy.services.DB.GetDataFile(dataTransfer.DataFileId); err == nil {
		bindings["name"] = dataFile.Name
		bindings["original"] = dataFile.Original
		bindings["size"] = dataFile.Size
	}
	return bindings
}

// mqttMessage builds the message from the topic, payload, qos,
// retain and expiry options, then lets the rule option, when there is
// one, override any of them by returning an object.
func (policy *EventPolicy) mqttMessage(publication *models.Publication, bindings map[string]interface{}) (*network.MQTTMessage, error) {
	message := &network.MQTTMessage{
		Topic:   script.Substitute(publication.Option("topic", "ecpds/$destination"), bindings),
		Payload: script.Substitute(publication.Option("payload", "$target"), bindings),
		Retain:  publication.Option("retain", "false") == "true",
		Expiry:  models.ParseDuration(publication.Option("expiry", ""), 0),
	}
	qos, err := strconv.Atoi(publication.Option("qos", "0"))
	if err != nil {
		return nil, fmt.Errorf("Invalid qos in publication %d: %v", publication.Id, err)
	}
	message.Qos = qos
	rule := publication.Option("rule", "")
	if rule == "" {
		return message, nil
	}
	value, err := policy.services.Evaluator.Exec(publication.Option("lang", script.LangJavaScript), bindings, rule)
	if err != nil {
		return nil, fmt.Errorf("Rule of publication %d: %v", publication.Id, err)
	}
	fields, ok := value.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("Rule of publication %d returned %T, not an object", publication.Id, value)
	}
	if topic, ok := fields["topic"]; ok {
		message.Topic = fmt.Sprint(topic)
	}
	if payload, ok := fields["payload"]; ok {
		message.Payload = fmt.Sprint(payload)
	}
	if value, ok := fields["qos"]; ok {
		if message.Qos, err = strconv.Atoi(fmt.Sprint(value)); err != nil {
			return nil, fmt.Errorf("Rule of publication %d: invalid qos %v", publication.Id, value)
		}
	}
	if retain, ok := fields["retain"]; ok {
		message.Retain = script.IsTrue(retain)
	}
	if expiry, ok := fields["expiry"]; ok {
		message.Expiry = models.ParseDuration(fmt.Sprint(expiry), 0)
	}
	return message, nil
}

// publishMQTT publishes through the broker of every active mover.
// It fails only when no broker took the message.
func (policy *EventPolicy) publishMQTT(ctx context.Context, publication *models.Publication,
	bindings map[string]interface{}) (string, error) {
	message, err := policy.mqttMessage(publication, bindings)
	if err != nil {
		return "", err
	}
	if message.Topic == "" {
		return "", fmt.Errorf("Publication %d has an empty topic", publication.Id)
	}
	movers, err := policy.services.Movers("")
	if err != nil {
		return "", err
	}
	published := make([]string, 0, len(movers))
	summary := models.NewWorkSummary()
	for _, mover := range movers {
		if err := mover.PublishToMQTTBroker(ctx, message); err != nil {
			summary.AddError("%v", err)
			continue
		}
		published = append(published, mover.Name())
	}
	if len(published) == 0 {
		return "", fmt.Errorf("MQTT publication failed: %s", summary.AllErrorsAsString())
	}
	if summary.HasErrors() {
		policy.services.Log.Warningf("Publication %d: %s", publication.Id, summary.AllErrorsAsString())
	}
	return fmt.Sprintf("Published %s through %s", message.Topic, strings.Join(published, ", ")), nil
}

func (policy *EventPolicy) publishNSQ(publication *models.Publication, dataTransfer *models.DataTransfer) (string, error) {
	if policy.services.Publisher == nil {
		return "", fmt.Errorf("No NSQ publisher configured")
	}
	topic := constants.TopicEvent
	if policy.services.Config != nil && policy.services.Config.EventTopic != "" {
		topic = policy.services.Config.EventTopic
	}
	topic = publication.Option("topic", topic)
	event := &TransferEventMessage{
		PublicationId:  publication.Id,
		DataTransferId: dataTransfer.Id,
		Destination:    dataTransfer.Destination,
		Host:           dataTransfer.Host,
		Target:         dataTransfer.Target,
		UniqueKey:      dataTransfer.UniqueKey,
		StatusCode:     dataTransfer.StatusCode,
		Comment:        dataTransfer.Comment,
		SentBytes:      dataTransfer.SentBytes,
		FinishTime:     dataTransfer.FinishTime,
	}
	if err := policy.services.Publisher.PublishJson(topic, event); err != nil {
		return "", err
	}
	return "Published to NSQ topic " + topic, nil
}

// runScript runs the script option after $name substitution.
func (policy *EventPolicy) runScript(publication *models.Publication, bindings map[string]interface{}) (string, error) {
	body := publication.Option("script", "")
	if body == "" {
		return "Nothing to do", nil
	}
	source := script.Substitute(body, bindings)
	value, err := policy.services.Evaluator.Exec(publication.Option("lang", script.LangJavaScript), bindings, source)
	if err != nil {
		return "", fmt.Errorf("Script of publication %d: %v", publication.Id, err)
	}
	return fmt.Sprintf("Script returned %v", value), nil
}
