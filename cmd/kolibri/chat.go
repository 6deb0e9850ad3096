package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"kolibri/internal/privacy"
	"kolibri/internal/runtime"
)

var (
	chatUser    string
	chatSession string
	chatSkills  string
	chatTags    []string
	chatTopK    int
)

// chatCmd runs one goal through the full runtime pipeline
var chatCmd = &cobra.Command{
	Use:   "chat [goal]",
	Short: "Process a goal through the assistant pipeline",
	Long: `Processes a natural language goal through the runtime:
plan the goal, retrieve supporting facts from the session graph,
execute matched skills in the sandbox and journal every decision.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runChat,
}

func runChat(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	goal := strings.Join(args, " ")

	op := privacy.NewOperator()
	op.Grant(chatUser, []string{"text"})

	rt, j, err := bootRuntime(op)
	if err != nil {
		return err
	}

	if chatSkills != "" {
		manifests, err := loadSkillManifests(chatSkills)
		if err != nil {
			return err
		}
		if err := rt.RegisterSkills(manifests); err != nil {
			return fmt.Errorf("register skills: %w", err)
		}
	}

	if err := rt.StartSession(chatSession, cfg.GraphFile()); err != nil {
		return err
	}

	response, err := rt.Process(ctx, runtime.Request{
		UserID:     chatUser,
		Goal:       goal,
		Modalities: map[string]any{"text": goal},
		DataTags:   chatTags,
		TopK:       chatTopK,
	})
	if err != nil {
		return err
	}

	printResponse(response)

	if err := rt.EndSession(); err != nil {
		return err
	}
	if err := j.Save(cfg.JournalFile()); err != nil {
		return fmt.Errorf("save journal: %w", err)
	}
	return nil
}

func printResponse(response *runtime.Response) {
	fmt.Println("Plan:")
	for _, step := range response.Plan.Steps {
		skill := step.Skill
		if skill == "" {
			skill = "-"
		}
		fmt.Printf("  [%s] %s (skill: %s, risk: %.2f)\n", step.ID, step.Description, skill, step.Risk)
	}

	if response.Answer.Summary != "" {
		fmt.Println("\nAnswer:")
		fmt.Println(" ", response.Answer.Summary)
		for _, fact := range response.Answer.Support {
			fmt.Printf("  - %s (confidence %.2f)\n", fact.Text, fact.Confidence)
		}
	}

	if len(response.Executions) > 0 {
		fmt.Println("\nExecutions:")
		for _, execution := range response.Executions {
			fmt.Printf("  %s: %v\n", execution.StepID, execution.Output["status"])
		}
	}

	fmt.Printf("\nTone %.2f, tempo %.2f, formality %.2f",
		response.Adjustments.Tone, response.Adjustments.Tempo, response.Adjustments.Formality)
	if response.Cached {
		fmt.Print(" (served from offline cache)")
	}
	fmt.Println()
}

func init() {
	chatCmd.Flags().StringVarP(&chatUser, "user", "u", "local", "user id for consent and personalization")
	chatCmd.Flags().StringVarP(&chatSession, "session", "s", "default", "session id")
	chatCmd.Flags().StringVar(&chatSkills, "skills", "", "directory of skill manifest JSON files")
	chatCmd.Flags().StringSliceVar(&chatTags, "tag", nil, "context tags checked against skill policies")
	chatCmd.Flags().IntVar(&chatTopK, "topk", 5, "retrieval depth for supporting facts")
}
