package payment

import "strings"

var InstructionMap = map[Method][]string{
	MethodMobileMoney: {
		"An M-Pesa prompt has been sent to {{phone}}",
		"Enter your M-Pesa PIN to pay {{currency}} {{amount}} for order {{order_number}}",
		"Keep this page open; the order updates once M-Pesa confirms the payment",
		"If no prompt appears within a minute, retry the payment",
	},

	MethodRedirectWallet: {
		"You will be redirected to PayPal to approve the payment",
		"Log in and confirm the payment of {{amount}} for order {{order_number}}",
		"You will return here automatically once the payment is approved",
	},

	MethodBankTransfer: {
		"Transfer {{currency}} {{amount}} to the seller's nominated account",
		"Use {{order_number}} as the payment reference",
		"The order completes once the transfer is confirmed",
	},

	MethodCash: {
		"Arrange the vehicle handover with the seller",
		"Pay {{currency}} {{amount}} in cash at handover and request a receipt",
		"Quote order {{order_number}} on the receipt",
	},

	MethodCard: {
		"Enter your card details on the secure payment page",
		"Your card will be charged {{currency}} {{amount}}",
	},
}

func GetInstructions(method Method) []string {
	if steps, ok := InstructionMap[method]; ok {
		return steps
	}

	return []string{
		"Follow the payment provider's instructions to complete the payment",
	}
}

type InstructionVars map[string]string

func InjectVariables(
	steps []string,
	vars InstructionVars,
) []string {
	result := make([]string, 0, len(steps))

	for _, step := range steps {
		updated := step
		for key, value := range vars {
			updated = strings.ReplaceAll(
				updated,
				"{{"+key+"}}",
				value,
			)
		}
		result = append(result, updated)
	}

	return result
}

// Instructions renders the payer-facing steps for p.
func Instructions(p *Payment, orderNumber string) []string {
	return InjectVariables(GetInstructions(p.Method), InstructionVars{
		"amount":       p.Amount.StringFixed(2),
		"currency":     p.Currency,
		"order_number": orderNumber,
		"phone":        p.Phone,
	})
}
