package engine

import (
	"context"
	"fmt"

	"github.com/petrijr/delaywatch/pkg/api"
)

// singleStep is the single-shot pipeline:
//
//	traffic_check -> delay_evaluation -> [message_generation -> notification_delivery] -> finalize
//
// A cancel signal observed before notification_delivery starts ends the run
// as cancelled.
func (r *runner) singleStep(ctx context.Context, step api.Step) (api.Step, error) {
	switch step {
	case api.StepTrafficCheck:
		if r.run.Cancelled {
			return r.stop(api.StopCancelled), nil
		}
		if err := r.checkTraffic(ctx); err != nil {
			return "", err
		}
		return api.StepDelayEvaluation, nil

	case api.StepDelayEvaluation:
		if r.run.Cancelled {
			return r.stop(api.StopCancelled), nil
		}
		if r.evaluate() {
			return api.StepMessageGeneration, nil
		}
		return api.StepFinalize, nil

	case api.StepMessageGeneration:
		if r.run.Cancelled {
			return r.stop(api.StopCancelled), nil
		}
		if err := r.generate(ctx); err != nil {
			return "", err
		}
		return api.StepNotificationDelivery, nil

	case api.StepNotificationDelivery:
		// Only a send that has not begun may be cancelled.
		if r.run.Cancelled && r.run.Result.Dispatch == nil {
			return r.stop(api.StopCancelled), nil
		}
		if err := r.dispatch(ctx); err != nil {
			return "", err
		}
		return api.StepFinalize, nil

	case api.StepFinalize:
		if r.run.Result.StopReason == api.StopCancelled {
			return r.end(ctx, api.StatusCancelled), nil
		}
		return r.end(ctx, api.StatusCompleted), nil
	}
	return "", api.NonRetryable("single", fmt.Errorf("unexpected step %q", step))
}

// stop records why the run ends and moves the cursor to finalize.
func (r *runner) stop(reason api.StopReason) api.Step {
	r.run.Result.StopReason = reason
	return api.StepFinalize
}
