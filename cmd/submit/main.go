package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"validation-backend/internal/core/types"
	"validation-backend/pkg/api"

	"github.com/go-resty/resty/v2"
	"github.com/schollz/progressbar/v3"
)

type streamLine struct {
	Data  *api.ProgressSnapshot `json:"data"`
	Error string                `json:"error"`
	Code  int                   `json:"code"`
}

// followStream reads NDJSON progress lines, calling onUpdate for each snapshot,
// and returns the last one seen.
func followStream(body io.Reader, onUpdate func(api.ProgressSnapshot)) (*api.ProgressSnapshot, error) {
	var last *api.ProgressSnapshot

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var line streamLine
		if err := json.Unmarshal(scanner.Bytes(), &line); err != nil {
			return last, fmt.Errorf("error decoding stream line: %w", err)
		}
		if line.Error != "" {
			return last, fmt.Errorf("stream error (%d): %s", line.Code, line.Error)
		}
		if line.Data == nil {
			continue
		}
		last = line.Data
		onUpdate(*line.Data)
	}
	if err := scanner.Err(); err != nil {
		return last, fmt.Errorf("error reading stream: %w", err)
	}
	return last, nil
}

func readPayload(arg string) (json.RawMessage, error) {
	data := []byte(arg)
	if len(arg) > 0 && arg[0] == '@' {
		var err error
		if data, err = os.ReadFile(arg[1:]); err != nil {
			return nil, fmt.Errorf("error reading payload file: %w", err)
		}
	}
	if !json.Valid(data) {
		return nil, fmt.Errorf("payload is not valid json")
	}
	return data, nil
}

func main() {
	baseURL := flag.String("url", "http://localhost:8001/api/v1", "api base url")
	class := flag.String("class", "validate", "task class: validate, analyze or compare")
	payloadArg := flag.String("payload", "{}", "json payload, or @file to read it from a file")
	priority := flag.Bool("priority", false, "route to the priority queue")
	scope := flag.String("scope", "", "validation scope: quick, standard, full or deep")
	wait := flag.Bool("wait", true, "follow progress until the task finishes")
	flag.Parse()

	payload, err := readPayload(*payloadArg)
	if err != nil {
		log.Fatalf("invalid payload: %v", err)
	}

	client := resty.New().SetBaseURL(*baseURL)

	var submitted api.SubmitTaskResponse
	res, err := client.R().
		SetHeader("Content-Type", "application/json").
		SetBody(api.SubmitTaskRequest{TaskClass: *class, Payload: payload, Priority: *priority, Scope: *scope}).
		SetResult(&submitted).
		Post("/tasks")
	if err != nil {
		log.Fatalf("error submitting task: %v", err)
	}
	if !res.IsSuccess() {
		log.Fatalf("submit failed with status %d: %s", res.StatusCode(), res.String())
	}

	fmt.Printf("task %s %s (queue=%s cached=%t estimate=%.0fs)\n", submitted.TaskId, submitted.Status, submitted.QueueName, submitted.Cached, submitted.EstimatedSeconds)
	if submitted.Cached || !*wait {
		if len(submitted.Result) > 0 {
			fmt.Println(string(submitted.Result))
		}
		return
	}

	stream, err := client.R().
		SetDoNotParseResponse(true).
		Get("/tasks/" + submitted.TaskId + "/stream")
	if err != nil {
		log.Fatalf("error opening progress stream: %v", err)
	}
	body := stream.RawBody()
	defer body.Close()
	if !stream.IsSuccess() {
		log.Fatalf("stream failed with status %d", stream.StatusCode())
	}

	bar := progressbar.NewOptions(100,
		progressbar.OptionSetDescription(*class),
		progressbar.OptionSetWidth(30),
		progressbar.OptionClearOnFinish(),
	)
	last, err := followStream(body, func(s api.ProgressSnapshot) {
		bar.Describe(s.Stage)
		_ = bar.Set(s.Progress)
	})
	_ = bar.Finish()
	if err != nil {
		log.Fatalf("error following task: %v", err)
	}
	if last == nil {
		log.Fatalf("stream closed without progress")
	}

	fmt.Printf("task %s %s: %s\n", last.TaskId, last.Status, last.Message)
	if len(last.Result) > 0 {
		fmt.Println(string(last.Result))
	}
	if last.Status != types.ProgressStatusCompleted {
		os.Exit(1)
	}
}
