// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 NVIDIA CORPORATION & AFFILIATES. All rights reserved.

package gadget

import (
	"context"
	"fmt"
	"os/exec"
	"time"
)

// gadgetTimeout bounds how long the ConfigFS helper script may run;
// callers are warned in spec.md section 4.3 that these calls may take
// seconds, never longer.
const gadgetTimeout = 10 * time.Second

func runCommand(argv []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), gadgetTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s: %w: %s", argv[0], err, string(out))
	}
	return nil
}
