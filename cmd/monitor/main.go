package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
)

// LogEntry matches the Zap JSON structure
type LogEntry struct {
	Level      string  `json:"level"`
	Msg        string  `json:"msg"`
	TaskID     string  `json:"task_id"`
	Kind       string  `json:"kind"`
	Model      string  `json:"model"`
	Energy     float64 `json:"energy"`
	Confidence float64 `json:"confidence"`
	Service    string  `json:"service"`
}

const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorBlue   = "\033[34m"
	colorCyan   = "\033[36m"
	colorGray   = "\033[37m"
)

func main() {
	fmt.Println(colorCyan + "🤖 Planner Activity Monitor Starting..." + colorReset)
	fmt.Println(colorGray + "Listening for planning events from the engine..." + colorReset)
	fmt.Println("-------------------------------------------------------------------------")

	// Use docker service logs with follow and tail
	cmd := exec.Command("docker", "service", "logs", "-f", "embedplan_planner")

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		fmt.Printf("Error creating stdout pipe: %v\n", err)
		return
	}

	if err := cmd.Start(); err != nil {
		fmt.Printf("Error starting docker logs command: %v\n", err)
		return
	}

	scanner := bufio.NewScanner(stdout)
	for scanner.Scan() {
		line := scanner.Text()

		// Docker service logs format: "service_name.instance.id | {JSON}"
		parts := strings.SplitN(line, "|", 2)
		if len(parts) < 2 {
			continue
		}

		jsonPayload := strings.TrimSpace(parts[1])

		var entry LogEntry
		if err := json.Unmarshal([]byte(jsonPayload), &entry); err != nil {
			// Not a JSON log or different format, ignore
			continue
		}

		prettify(entry)
	}

	if err := cmd.Wait(); err != nil {
		fmt.Printf("Docker command exited: %v\n", err)
	}
}

func prettify(entry LogEntry) {
	msg := entry.Msg
	taskID := short(entry.TaskID)

	switch {
	case strings.Contains(msg, "Planning task started"):
		fmt.Printf("📥 "+colorYellow+"New Task:"+colorReset+"      %s (%s)\n", taskID, entry.Kind)
	case strings.Contains(msg, "Loaded synthetic oracle"):
		fmt.Printf("🧠 "+colorBlue+"Model Loaded:"+colorReset+"  %s\n", entry.Model)
	case strings.Contains(msg, "Superseding active tasks"):
		fmt.Printf("⏭️  " + colorYellow + "Superseded older tasks" + colorReset + "\n")
	case strings.Contains(msg, "Trajectory step complete"):
		fmt.Printf("⚙️  "+colorBlue+"Step Done:"+colorReset+"     %s energy=%.3f\n", taskID, entry.Energy)
	case strings.Contains(msg, "Planning completed") || strings.Contains(msg, "Trajectory planning completed"):
		fmt.Printf("✅ "+colorGreen+"Task Finished:"+colorReset+" %s energy=%.3f confidence=%.2f\n", taskID, entry.Energy, entry.Confidence)
	case strings.Contains(msg, "Task observed cancellation") || strings.Contains(msg, "Task cancelled"):
		fmt.Printf("🛑 "+colorYellow+"Cancelled:"+colorReset+"     %s\n", taskID)
	case entry.Level == "error":
		fmt.Printf("❌ "+colorRed+"ERROR:"+colorReset+" %s\n", msg)
	}
}

func short(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
