// Copyright 2024 The Lumino Node Authors

package jobrunner

import "fmt"

// numGPUs selects the GPU count for a training run from its base model and
// whether LoRA is in use.
func numGPUs(baseModel string, useLoRA bool) (int, error) {
	switch baseModel {
	case "llm_llama3_2_1b", "llm_llama3_2_3b":
		return 1, nil
	case "llm_llama3_1_8b":
		if useLoRA {
			return 1, nil
		}
		return 4, nil
	case "llm_llama3_1_70b":
		if useLoRA {
			return 4, nil
		}
		return 8, nil
	default:
		return 0, fmt.Errorf("jobrunner: unknown base model %q", baseModel)
	}
}
